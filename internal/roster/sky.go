package roster

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"freeblock/internal/checkin"
	"freeblock/internal/schedule"
)

// SkyClient reads rosters, the master schedule and the senior class from
// a SKY-style school API. Token refresh is handled outside; the client
// sends whatever bearer token it was given.
type SkyClient struct {
	BaseURL         string
	AccessToken     string
	SubscriptionKey string
	LevelNum        string
	StudentRole     string
	HTTP            *http.Client
}

// NewSkyClient creates a client with a bounded request timeout.
func NewSkyClient(baseURL, accessToken, subscriptionKey, levelNum, studentRole string, timeout time.Duration) *SkyClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SkyClient{
		BaseURL:         strings.TrimRight(baseURL, "/"),
		AccessToken:     accessToken,
		SubscriptionKey: subscriptionKey,
		LevelNum:        levelNum,
		StudentRole:     studentRole,
		HTTP:            &http.Client{Timeout: timeout},
	}
}

type skyCourse struct {
	Section struct {
		Name  string `json:"name"`
		Block *struct {
			Name string `json:"name"`
		} `json:"block"`
	} `json:"section"`
	Roster []struct {
		Leader struct {
			Type string `json:"type"`
		} `json:"leader"`
		User struct {
			ID         json.Number `json:"id"`
			Email      string      `json:"email"`
			FirstName  string      `json:"first_name"`
			MiddleName string      `json:"middle_name"`
			LastName   string      `json:"last_name"`
		} `json:"user"`
	} `json:"roster"`
}

type skyCalendar struct {
	Value []struct {
		ScheduleSets []struct {
			Blocks []struct {
				Block     string `json:"block"`
				StartTime string `json:"start_time"`
			} `json:"blocks"`
		} `json:"schedule_sets"`
	} `json:"value"`
}

type skyUsers struct {
	Value []struct {
		Email string `json:"email"`
	} `json:"value"`
}

// Fetch issues the three reads concurrently and joins them.
func (c *SkyClient) Fetch(ctx context.Context, date time.Time) (Roster, error) {
	var (
		courses  []skyCourse
		calendar skyCalendar
		seniors  skyUsers
	)
	day := date.Format("01-02-2006")
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.get(gctx, "/academics/rosters", nil, &courses)
	})
	g.Go(func() error {
		q := url.Values{"level_num": {c.LevelNum}, "start_date": {day}, "end_date": {day}}
		return c.get(gctx, "/academics/schedules/master", q, &calendar)
	})
	g.Go(func() error {
		q := url.Values{"roles": {c.StudentRole}, "grad_year": {strconv.Itoa(SeniorYear(date))}}
		return c.get(gctx, "/users", q, &seniors)
	})
	if err := g.Wait(); err != nil {
		return Roster{}, err
	}

	entries, err := parseCalendar(calendar)
	if err != nil {
		return Roster{}, err
	}
	seniorSet := make(map[string]bool, len(seniors.Value))
	for _, u := range seniors.Value {
		if u.Email != "" {
			seniorSet[checkin.CanonicalEmail(u.Email)] = true
		}
	}
	return Roster{
		Schedule: entries,
		Students: mergeCourses(courses, seniorSet, date),
	}, nil
}

func (c *SkyClient) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AccessToken)
	}
	if c.SubscriptionKey != "" {
		req.Header.Set("Bb-Api-Subscription-Key", c.SubscriptionKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("roster request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("roster error %s on %s: %s", resp.Status, path, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func parseCalendar(cal skyCalendar) ([]schedule.Entry, error) {
	if len(cal.Value) == 0 || len(cal.Value[0].ScheduleSets) == 0 {
		return nil, nil
	}
	var out []schedule.Entry
	for _, blk := range cal.Value[0].ScheduleSets[0].Blocks {
		b, err := schedule.ParseBlock(blk.Block)
		if err != nil {
			// Lunch, assemblies and the like are not check-in blocks.
			continue
		}
		tod, err := parseStart(blk.StartTime)
		if err != nil {
			return nil, fmt.Errorf("block %s: %w", b, err)
		}
		out = append(out, schedule.Entry{Block: b, Start: tod})
	}
	return out, nil
}

func parseStart(s string) (schedule.TimeOfDay, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "15:04:05", "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return schedule.TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
		}
	}
	return schedule.TimeOfDay{}, fmt.Errorf("unrecognised start time %q", s)
}

// freeBlockOf returns the block a course section occupies when it is a
// free period running this semester. The block is kept even when the
// day's calendar omits it; the reset masks entries to the day it builds.
func freeBlockOf(c skyCourse, now time.Time) (schedule.Block, bool) {
	name := c.Section.Name
	if !strings.Contains(strings.ToLower(name), "free period") || c.Section.Block == nil {
		return 0, false
	}
	thisSemester := (now.Month() <= time.May && strings.Contains(name, "S2")) ||
		(now.Month() >= time.July && strings.Contains(name, "S1"))
	if !thisSemester {
		return 0, false
	}
	b, err := schedule.ParseBlock(c.Section.Block.Name)
	if err != nil {
		return 0, false
	}
	return b, true
}

func mergeCourses(courses []skyCourse, seniors map[string]bool, now time.Time) []checkin.Entry {
	byEmail := make(map[string]*checkin.Entry)
	var order []string
	for _, course := range courses {
		block, free := freeBlockOf(course, now)
		for _, member := range course.Roster {
			if member.Leader.Type == "Teacher" {
				continue
			}
			email := checkin.CanonicalEmail(member.User.Email)
			if email == "" {
				continue
			}
			e, ok := byEmail[email]
			if !ok {
				e = &checkin.Entry{Email: email, Senior: seniors[email]}
				byEmail[email] = e
				order = append(order, email)
			}
			e.ID = member.User.ID.String()
			e.Name = fullName(member.User.FirstName, member.User.MiddleName, member.User.LastName)
			if free {
				e.Blocks = e.Blocks.Add(block)
			}
		}
	}
	out := make([]checkin.Entry, 0, len(order))
	for _, email := range order {
		out = append(out, *byEmail[email])
	}
	return out
}

func fullName(first, middle, last string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{first, middle, last} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}
