package git

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// maxUnixCommitDate is the latest timestamp Git will accept in an ident line.
const maxUnixCommitDate = 1 << 53

// ErrInvalidSignature is returned when an ident line cannot be parsed.
var ErrInvalidSignature = errors.New("invalid signature")

// Signature represents a commits signature: the identity recorded in reflog entries.
type Signature struct {
	// Name of the author or the committer.
	Name string
	// Email of the author or the committer.
	Email string
	// When is the time of the commit.
	When time.Time
}

// NewSignature creates a new sanitized signature.
func NewSignature(name, email string, when time.Time) Signature {
	return Signature{
		Name:  signatureSanitizer.Replace(name),
		Email: signatureSanitizer.Replace(email),
		When:  when.Truncate(time.Second),
	}
}

var signatureSanitizer = strings.NewReplacer("\n", "", "<", "", ">", "")

// TimezoneOffset returns the offset of the signature's time zone in minutes east of UTC.
func (s Signature) TimezoneOffset() int16 {
	_, offset := s.When.Zone()
	return int16(offset / 60)
}

// String formats the signature as an ident line, e.g. "Jane <jane@example.com> 1572776879 +0100".
func (s Signature) String() string {
	return fmt.Sprintf("%s <%s> %d %s", s.Name, s.Email, s.When.Unix(), FormatTimezone(s.TimezoneOffset()))
}

// FormatTimezone formats an offset in minutes as "+hhmm" or "-hhmm".
func FormatTimezone(offset int16) string {
	sign := '+'
	if offset < 0 {
		sign = '-'
		offset = -offset
	}
	return fmt.Sprintf("%c%02d%02d", sign, offset/60, offset%60)
}

// ParseTimezone parses a "+hhmm" or "-hhmm" string into an offset in minutes.
func ParseTimezone(tz string) (int16, error) {
	if len(tz) != 5 || (tz[0] != '+' && tz[0] != '-') {
		return 0, fmt.Errorf("%w: timezone %q", ErrInvalidSignature, tz)
	}

	hours, err := strconv.ParseUint(tz[1:3], 10, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: timezone %q", ErrInvalidSignature, tz)
	}
	minutes, err := strconv.ParseUint(tz[3:5], 10, 8)
	if err != nil || minutes >= 60 {
		return 0, fmt.Errorf("%w: timezone %q", ErrInvalidSignature, tz)
	}

	offset := int16(hours*60 + minutes)
	if tz[0] == '-' {
		offset = -offset
	}
	return offset, nil
}

// TimeWithOffset returns the given Unix time in a fixed zone with the given offset in minutes.
func TimeWithOffset(seconds int64, offset int16) time.Time {
	return time.Unix(seconds, 0).In(time.FixedZone("", int(offset)*60))
}

// ParseSignature parses an ident line of the form "Name <email> <unix-seconds> <+hhmm>". The
// timestamp and timezone may be omitted, in which case the zero time is returned.
func ParseSignature(line string) (Signature, error) {
	open := strings.IndexByte(line, '<')
	if open < 0 {
		return Signature{}, fmt.Errorf("%w: missing email in %q", ErrInvalidSignature, line)
	}
	closing := strings.IndexByte(line[open:], '>')
	if closing < 0 {
		return Signature{}, fmt.Errorf("%w: unterminated email in %q", ErrInvalidSignature, line)
	}
	closing += open

	signature := Signature{
		Name:  strings.TrimSpace(line[:open]),
		Email: line[open+1 : closing],
	}

	fields := strings.Fields(line[closing+1:])
	switch len(fields) {
	case 0:
		return signature, nil
	case 1, 2:
	default:
		return Signature{}, fmt.Errorf("%w: trailing garbage in %q", ErrInvalidSignature, line)
	}

	seconds, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || seconds < 0 || seconds > maxUnixCommitDate {
		return Signature{}, fmt.Errorf("%w: timestamp %q", ErrInvalidSignature, fields[0])
	}

	var offset int16
	if len(fields) == 2 {
		if offset, err = ParseTimezone(fields[1]); err != nil {
			return Signature{}, err
		}
	}

	signature.When = TimeWithOffset(seconds, offset)
	return signature, nil
}
