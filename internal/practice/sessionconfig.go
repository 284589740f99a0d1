package practice

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"time"
)

type Mode string

const (
	ModeCategory Mode = "category" // bank practice filtered by category
	ModeTopic    Mode = "topic"    // topic practice, may be topped up by the generator
)

// Category selections as offered to the user.
const (
	CategoryMedicine = "Medicine Only"
	CategorySurgery  = "Surgery Only"
	CategoryCombined = "Combined"
)

var Categories = []string{CategoryMedicine, CategorySurgery, CategoryCombined}

// Topics is the fixed list of practice topics.
var Topics = []string{
	"Cardiovascular",
	"Complex Care Concepts",
	"Endocrine/Metabolic",
	"Ethical/Legal",
	"Eye, Ear, Nose, And Throat",
	"Fluids & Electrolytes/Acid-Base Balance",
	"Fundamentals",
	"Gastrointestinal",
	"Hematology/Oncology",
	"Immunology/Infectious Disease",
	"Integumentary",
	"Maternal & Newborn Health",
	"Medication Calculation",
	"Mental Health",
	"Musculoskeletal",
	"Neurological",
	"Pediatric Health",
	"Pharmacology",
	"Prioritization/Delegation",
	"Renal/Genitourinary",
	"Respiratory",
	"Vital Signs And Laboratory Values",
}

// categoryCounts maps allowed bank-practice counts to their time limits.
var categoryCounts = map[int]time.Duration{
	50: 30 * time.Minute,
	60: 35 * time.Minute,
	70: 40 * time.Minute,
	80: 45 * time.Minute,
}

var topicCounts = []int{15, 20, 30}

// SessionConfig is the validated output of the configuration form.
type SessionConfig struct {
	Mode     Mode     `json:"mode"`
	Count    int      `json:"count"`
	Category string   `json:"category,omitempty"`
	Topics   []string `json:"topics,omitempty"`
}

// Validate reports every violated constraint at once.
func (c SessionConfig) Validate() error {
	var errs []error
	switch c.Mode {
	case ModeCategory:
		if _, ok := categoryCounts[c.Count]; !ok {
			errs = append(errs, fmt.Errorf("count %d not in %v", c.Count, CategoryCounts()))
		}
		if !slices.Contains(Categories, c.Category) {
			errs = append(errs, fmt.Errorf("unknown category %q", c.Category))
		}
	case ModeTopic:
		if !slices.Contains(topicCounts, c.Count) {
			errs = append(errs, fmt.Errorf("count %d not in %v", c.Count, topicCounts))
		}
		if len(c.Topics) == 0 {
			errs = append(errs, errors.New("at least one topic is required"))
		}
		for _, t := range c.Topics {
			if !slices.Contains(Topics, t) {
				errs = append(errs, fmt.Errorf("unknown topic %q", t))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("unknown mode %q", c.Mode))
	}
	return errors.Join(errs...)
}

// TimeLimit derives the session budget from the count.
func (c SessionConfig) TimeLimit() time.Duration {
	if c.Mode == ModeCategory {
		if d, ok := categoryCounts[c.Count]; ok {
			return d
		}
	}
	n := float64(c.Count)
	return time.Duration(math.Round(n+n*0.2)) * time.Minute
}

// StoredCategory maps the selection onto the questions.category column.
func (c SessionConfig) StoredCategory() string {
	switch c.Category {
	case CategoryMedicine:
		return "Medicine"
	case CategorySurgery:
		return "Surgery"
	default:
		return ""
	}
}

// Filter is the question query for this configuration.
func (c SessionConfig) Filter() Filter {
	f := Filter{Limit: c.Count}
	if c.Mode == ModeTopic {
		f.Topics = c.Topics
	} else {
		f.Category = c.StoredCategory()
	}
	return f
}

func CategoryCounts() []int {
	out := make([]int, 0, len(categoryCounts))
	for n := range categoryCounts {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

type CountOption struct {
	Count   int `json:"count"`
	Minutes int `json:"minutes"`
}

type ConfigOptions struct {
	Categories     []string      `json:"categories"`
	CategoryCounts []CountOption `json:"category_counts"`
	Topics         []string      `json:"topics"`
	TopicCounts    []CountOption `json:"topic_counts"`
}

// Options lists the enumerations the form offers.
func Options() ConfigOptions {
	opts := ConfigOptions{Categories: Categories, Topics: Topics}
	for _, n := range CategoryCounts() {
		opts.CategoryCounts = append(opts.CategoryCounts, CountOption{n, int(categoryCounts[n].Minutes())})
	}
	for _, n := range topicCounts {
		c := SessionConfig{Mode: ModeTopic, Count: n}
		opts.TopicCounts = append(opts.TopicCounts, CountOption{n, int(c.TimeLimit().Minutes())})
	}
	return opts
}
