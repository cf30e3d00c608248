package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"freeblock/internal/checkin"
	"freeblock/internal/schedule"
)

// Repository persists ledger state through database/sql. Queries stick to
// the subset of SQL shared by Postgres and SQLite; instants are stored as
// unix seconds.
type Repository struct {
	db  *sql.DB
	loc *time.Location
}

// NewRepository creates a repo. Loaded instants are expressed in loc.
func NewRepository(db *sql.DB, loc *time.Location) *Repository {
	if loc == nil {
		loc = time.Local
	}
	return &Repository{db: db, loc: loc}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS school_days (
		id INTEGER PRIMARY KEY,
		day_start BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS windows (
		block TEXT PRIMARY KEY,
		nominal_at BIGINT NOT NULL,
		start_at BIGINT NOT NULL,
		end_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS students (
		email TEXT PRIMARY KEY,
		roster_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		senior BOOLEAN NOT NULL DEFAULT FALSE,
		eligible TEXT NOT NULL DEFAULT '',
		checked_in TEXT NOT NULL DEFAULT '',
		tentative TEXT NOT NULL DEFAULT '',
		privilege TEXT NOT NULL DEFAULT 'not_available',
		privilege_device TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS student_media (
		email TEXT NOT NULL,
		block TEXT NOT NULL,
		media TEXT NOT NULL,
		PRIMARY KEY (email, block)
	)`,
	`CREATE TABLE IF NOT EXISTS devices (
		fingerprint TEXT PRIMARY KEY,
		blocks TEXT NOT NULL DEFAULT '',
		privilege_holder TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS privilege_events (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		device TEXT NOT NULL DEFAULT '',
		checked_out_at BIGINT NOT NULL,
		checked_in_at BIGINT,
		media TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS privilege_bans (
		email TEXT PRIMARY KEY
	)`,
}

// Migrate creates missing tables.
func (r *Repository) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (r *Repository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ReplaceDay installs a rebuilt day in one transaction.
func (r *Repository) ReplaceDay(ctx context.Context, day *schedule.Day, students []checkin.Student, full bool) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM school_days`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO school_days (id, day_start) VALUES ($1, $2)`, 1, day.Date.Unix()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM windows`); err != nil {
			return err
		}
		for _, w := range day.Windows {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO windows (block, nominal_at, start_at, end_at)
				VALUES ($1, $2, $3, $4)
			`, w.Block.String(), w.Nominal.Unix(), w.Start.Unix(), w.End.Unix()); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM devices`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM student_media`); err != nil {
			return err
		}
		if full {
			if _, err := tx.ExecContext(ctx, `DELETE FROM students`); err != nil {
				return err
			}
		}
		for _, st := range students {
			if err := upsertStudent(ctx, tx, st); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveChange writes the post-state of one attempt.
func (r *Repository) SaveChange(ctx context.Context, c checkin.Change) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if err := upsertStudent(ctx, tx, c.Student); err != nil {
			return err
		}
		if d := c.Device; d != nil {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO devices (fingerprint, blocks, privilege_holder)
				VALUES ($1, $2, $3)
				ON CONFLICT (fingerprint) DO UPDATE SET
					blocks = excluded.blocks,
					privilege_holder = excluded.privilege_holder
			`, d.Fingerprint, d.Blocks.String(), d.PrivilegeHolder); err != nil {
				return err
			}
		}
		if ev := c.Event; ev != nil {
			var checkedIn any
			if ev.CheckedInAt != nil {
				checkedIn = ev.CheckedInAt.Unix()
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO privilege_events (id, email, name, device, checked_out_at, checked_in_at, media)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (id) DO UPDATE SET
					checked_in_at = excluded.checked_in_at,
					media = excluded.media
			`, ev.ID, ev.Email, ev.Name, ev.Device, ev.CheckedOutAt.Unix(), checkedIn, ev.Media); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertStudent(ctx context.Context, tx *sql.Tx, st checkin.Student) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO students (email, roster_id, name, senior, eligible, checked_in, tentative, privilege, privilege_device)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (email) DO UPDATE SET
			roster_id = excluded.roster_id,
			name = excluded.name,
			senior = excluded.senior,
			eligible = excluded.eligible,
			checked_in = excluded.checked_in,
			tentative = excluded.tentative,
			privilege = excluded.privilege,
			privilege_device = excluded.privilege_device
	`, st.Email, st.ID, st.Name, st.Senior, st.Eligible.String(), st.CheckedIn.String(),
		st.Tentative.String(), st.Privilege.String(), st.PrivilegeDevice)
	if err != nil {
		return err
	}
	for i := 0; i < len(schedule.Letters); i++ {
		b := schedule.Block(schedule.Letters[i])
		ref := st.Media.Get(b)
		if ref == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO student_media (email, block, media)
			VALUES ($1, $2, $3)
			ON CONFLICT (email, block) DO UPDATE SET media = excluded.media
		`, st.Email, b.String(), ref); err != nil {
			return err
		}
	}
	return nil
}

// SaveBans replaces the privilege ban list.
func (r *Repository) SaveBans(ctx context.Context, bans []string) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM privilege_bans`); err != nil {
			return err
		}
		for _, b := range bans {
			if _, err := tx.ExecContext(ctx, `INSERT INTO privilege_bans (email) VALUES ($1)`, b); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteEventsBefore drops privilege events checked out before the instant.
func (r *Repository) DeleteEventsBefore(ctx context.Context, before time.Time) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM privilege_events WHERE checked_out_at < $1`, before.Unix())
	return err
}

// Load reads the persisted state. A database that never saw a reset
// yields an empty snapshot with a nil Day.
func (r *Repository) Load(ctx context.Context) (checkin.Snapshot, error) {
	var snap checkin.Snapshot

	var dayStart int64
	err := r.db.QueryRowContext(ctx, `SELECT day_start FROM school_days WHERE id = $1`, 1).Scan(&dayStart)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return snap, err
	default:
		day, err := r.loadDay(ctx, r.at(dayStart))
		if err != nil {
			return snap, err
		}
		snap.Day = day
	}

	if snap.Students, err = r.loadStudents(ctx); err != nil {
		return snap, err
	}
	if snap.Devices, err = r.loadDevices(ctx); err != nil {
		return snap, err
	}
	if snap.Events, err = r.ListEvents(ctx, time.Time{}, time.Time{}); err != nil {
		return snap, err
	}
	if snap.Bans, err = r.loadBans(ctx); err != nil {
		return snap, err
	}
	return snap, nil
}

func (r *Repository) at(unix int64) time.Time { return time.Unix(unix, 0).In(r.loc) }

func (r *Repository) loadDay(ctx context.Context, date time.Time) (*schedule.Day, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT block, nominal_at, start_at, end_at FROM windows`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var windows []schedule.Window
	for rows.Next() {
		var (
			block                string
			nominal, start, end int64
		)
		if err := rows.Scan(&block, &nominal, &start, &end); err != nil {
			return nil, err
		}
		b, err := schedule.ParseBlock(block)
		if err != nil {
			return nil, err
		}
		windows = append(windows, schedule.Window{Block: b, Nominal: r.at(nominal), Start: r.at(start), End: r.at(end)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return schedule.NewDay(date, windows)
}

func (r *Repository) loadStudents(ctx context.Context) ([]checkin.Student, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT email, roster_id, name, senior, eligible, checked_in, tentative, privilege, privilege_device
		FROM students
		ORDER BY email
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []checkin.Student
	for rows.Next() {
		var (
			st                             checkin.Student
			eligible, checkedIn, tentative string
			privilege                      string
		)
		if err := rows.Scan(&st.Email, &st.ID, &st.Name, &st.Senior, &eligible, &checkedIn, &tentative, &privilege, &st.PrivilegeDevice); err != nil {
			return nil, err
		}
		if st.Eligible, err = schedule.ParseBlockSet(eligible); err != nil {
			return nil, err
		}
		if st.CheckedIn, err = schedule.ParseBlockSet(checkedIn); err != nil {
			return nil, err
		}
		if st.Tentative, err = schedule.ParseBlockSet(tentative); err != nil {
			return nil, err
		}
		st.Privilege = checkin.ParsePrivilegeState(privilege)
		res = append(res, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	media, err := r.loadMedia(ctx)
	if err != nil {
		return nil, err
	}
	for i := range res {
		res[i].Media = media[res[i].Email]
	}
	return res, nil
}

func (r *Repository) loadMedia(ctx context.Context) (map[string]checkin.MediaRefs, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT email, block, media FROM student_media`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]checkin.MediaRefs{}
	for rows.Next() {
		var email, block, ref string
		if err := rows.Scan(&email, &block, &ref); err != nil {
			return nil, err
		}
		b, err := schedule.ParseBlock(block)
		if err != nil {
			return nil, err
		}
		m := res[email]
		m.Set(b, ref)
		res[email] = m
	}
	return res, rows.Err()
}

func (r *Repository) loadDevices(ctx context.Context) ([]checkin.DeviceRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT fingerprint, blocks, privilege_holder FROM devices`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []checkin.DeviceRecord
	for rows.Next() {
		var (
			d      checkin.DeviceRecord
			blocks string
		)
		if err := rows.Scan(&d.Fingerprint, &blocks, &d.PrivilegeHolder); err != nil {
			return nil, err
		}
		if d.Blocks, err = schedule.ParseBlockSet(blocks); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r *Repository) loadBans(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT email FROM privilege_bans ORDER BY email`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var b string
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// ListEvents returns privilege events checked out within [from, to],
// oldest first. Zero bounds are open.
func (r *Repository) ListEvents(ctx context.Context, from, to time.Time) ([]checkin.PrivilegeEvent, error) {
	query := `SELECT id, email, name, device, checked_out_at, checked_in_at, media FROM privilege_events`
	args := []any{}
	clauses := []string{}
	if !from.IsZero() {
		clauses = append(clauses, fmt.Sprintf("checked_out_at >= $%d", len(args)+1))
		args = append(args, from.Unix())
	}
	if !to.IsZero() {
		clauses = append(clauses, fmt.Sprintf("checked_out_at <= $%d", len(args)+1))
		args = append(args, to.Unix())
	}
	if len(clauses) > 0 {
		query += " WHERE " + clauses[0]
		for _, c := range clauses[1:] {
			query += " AND " + c
		}
	}
	query += " ORDER BY checked_out_at, id"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []checkin.PrivilegeEvent
	for rows.Next() {
		var (
			ev        checkin.PrivilegeEvent
			out       int64
			checkedIn sql.NullInt64
		)
		if err := rows.Scan(&ev.ID, &ev.Email, &ev.Name, &ev.Device, &out, &checkedIn, &ev.Media); err != nil {
			return nil, err
		}
		ev.CheckedOutAt = r.at(out)
		if checkedIn.Valid {
			t := r.at(checkedIn.Int64)
			ev.CheckedInAt = &t
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}
