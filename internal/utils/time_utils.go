package utils

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/life-stream-dev/life-stream-go-bayeux/internal/logger"
)

var ErrInvalidDuration = errors.New("invalid duration")

// ParseDuration accepts Go durations ("1500ms", "1m30s"), a day suffix
// ("2d") and bare integers, read as milliseconds.
func ParseDuration(value string) (time.Duration, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return 0, fmt.Errorf("%w: empty value", ErrInvalidDuration)
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	if days, found := strings.CutSuffix(value, "d"); found {
		number, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, value)
		}
		return time.Duration(number) * time.Hour * 24, nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, value)
	}
	return duration, nil
}

// ParseStringTime is ParseDuration for values already validated; malformed
// input is logged and yields 0.
func ParseStringTime(timeString string) time.Duration {
	duration, err := ParseDuration(timeString)
	if err != nil {
		logger.ErrorF("Error parsing time string: %s", err.Error())
		return 0
	}
	return duration
}
