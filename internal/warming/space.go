package warming

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"ordersync/internal/config"
	"ordersync/internal/models"

	"gopkg.in/yaml.v2"
)

// Space is the combination space warmed after every sync.
type Space struct {
	Windows  []string `yaml:"windows"`
	Channels []string `yaml:"channels"`
	Statuses []string `yaml:"statuses"`
}

// Task is a single (window, channel, status) combination.
type Task struct {
	Window  string
	Channel string
	Status  string
	Range   models.DateRange
}

// Key is the cache key the task's metric is stored under.
func (t Task) Key() string {
	return fmt.Sprintf("metrics:%s:%s:%s", t.Window, t.Channel, t.Status)
}

var knownStatuses = map[string]bool{"all": true, "open": true, "processed": true, "cancelled": true}

func SpaceFromConfig(cfg config.WarmingConfig) Space {
	return Space{Windows: cfg.Windows, Channels: cfg.Channels, Statuses: cfg.Statuses}
}

// LoadSpace reads a combination space from a YAML file.
func LoadSpace(path string) (Space, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Space{}, err
	}

	var s Space
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Space{}, fmt.Errorf("parse warming space: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Space{}, err
	}
	return s, nil
}

func (s Space) Validate() error {
	if len(s.Windows) == 0 || len(s.Channels) == 0 || len(s.Statuses) == 0 {
		return errors.New("warming space needs windows, channels and statuses")
	}
	now := time.Now()
	for _, w := range s.Windows {
		if _, err := ResolveWindow(w, now); err != nil {
			return err
		}
	}
	for _, st := range s.Statuses {
		if !knownStatuses[st] {
			return fmt.Errorf("unknown status filter %q", st)
		}
	}
	return nil
}

// Size is the number of combinations.
func (s Space) Size() int {
	return len(s.Windows) * len(s.Channels) * len(s.Statuses)
}

// Tasks enumerates every combination, grouped by window in config order.
func (s Space) Tasks(now time.Time) ([]Task, error) {
	tasks := make([]Task, 0, s.Size())
	for _, w := range s.Windows {
		rng, err := ResolveWindow(w, now)
		if err != nil {
			return nil, err
		}
		for _, ch := range s.Channels {
			for _, st := range s.Statuses {
				tasks = append(tasks, Task{Window: w, Channel: ch, Status: st, Range: rng})
			}
		}
	}
	return tasks, nil
}

// ResolveWindow maps a window name to a date range ending at now.
// Supported: today, yesterday, <N>d and <N>h.
func ResolveWindow(name string, now time.Time) (models.DateRange, error) {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	switch name {
	case "today":
		return models.DateRange{From: midnight, To: now}, nil
	case "yesterday":
		return models.DateRange{From: midnight.AddDate(0, 0, -1), To: midnight}, nil
	}

	if len(name) < 2 {
		return models.DateRange{}, fmt.Errorf("unknown warming window %q", name)
	}
	n, err := strconv.Atoi(name[:len(name)-1])
	if err != nil || n <= 0 {
		return models.DateRange{}, fmt.Errorf("unknown warming window %q", name)
	}
	switch strings.ToLower(name[len(name)-1:]) {
	case "d":
		return models.LastDays(now, n), nil
	case "h":
		return models.DateRange{From: now.Add(-time.Duration(n) * time.Hour), To: now}, nil
	default:
		return models.DateRange{}, fmt.Errorf("unknown warming window %q", name)
	}
}
