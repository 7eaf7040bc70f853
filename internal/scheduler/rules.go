package scheduler

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/FranksOps/frontier/internal/storage"
)

// FreqRule assigns a crawl frequency to the pages whose whole URL matches
// Pattern. A rule either scales the page's observed change rate ("x0.5") or
// sets a fixed revisit period in seconds ("3600").
type FreqRule struct {
	Pattern *regexp.Regexp
	// Scale multiplies the change rate when positive.
	Scale float64
	// Period is the revisit period in seconds when Scale is zero.
	Period float64
}

// NewFreqRule compiles a rule. The pattern must match the entire URL.
func NewFreqRule(pattern, value string) (FreqRule, error) {
	re, err := regexp.Compile(`^(?:` + pattern + `)$`)
	if err != nil {
		return FreqRule{}, fmt.Errorf("rule pattern %q: %v: %w", pattern, err, storage.ErrInvalidArgument)
	}
	rule := FreqRule{Pattern: re}

	if k, ok := strings.CutPrefix(value, "x"); ok {
		rule.Scale, err = strconv.ParseFloat(k, 64)
		if err != nil || rule.Scale <= 0 {
			return FreqRule{}, fmt.Errorf("rule scale %q: %w", value, storage.ErrInvalidArgument)
		}
		return rule, nil
	}
	rule.Period, err = strconv.ParseFloat(value, 64)
	if err != nil || rule.Period <= 0 {
		return FreqRule{}, fmt.Errorf("rule period %q: %w", value, storage.ErrInvalidArgument)
	}
	return rule, nil
}

// Freq returns the frequency the rule gives to a page with the given change
// rate. ok is false for scaling rules when the rate is unknown.
func (r FreqRule) Freq(rate float64) (freq float64, ok bool) {
	if r.Scale > 0 {
		if rate <= 0 {
			return 0, false
		}
		return r.Scale * rate, true
	}
	return 1 / r.Period, true
}

// ParseFreqRules reads one "pattern value" rule per line. Blank lines and
// lines starting with '#' are skipped.
func ParseFreqRules(r io.Reader) ([]FreqRule, error) {
	var rules []FreqRule
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 2 {
			return nil, fmt.Errorf("line %d: want \"pattern value\", got %q: %w", line, text, storage.ErrInvalidArgument)
		}
		rule, err := NewFreqRule(fields[0], fields[1])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rules = append(rules, rule)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	return rules, nil
}

// matchFreq applies the first matching rule that yields a frequency.
func matchFreq(rules []FreqRule, p *storage.PageInfo) (float64, bool) {
	for _, r := range rules {
		if !r.Pattern.MatchString(p.URL) {
			continue
		}
		if f, ok := r.Freq(p.Rate()); ok {
			return f, true
		}
	}
	return 0, false
}
