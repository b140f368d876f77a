package object

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Signature identifies who authored or committed something and when.
// It is a plain value; two signatures are equal when their fields are.
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

// NewSignature stamps name and email with the current time.
func NewSignature(name, email string) (Signature, error) {
	sig := Signature{Name: name, Email: email, When: time.Now()}
	if err := sig.Validate(); err != nil {
		return Signature{}, err
	}
	return sig, nil
}

// Validate rejects identities that cannot be serialized unambiguously.
func (s Signature) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("signature name is empty")
	}
	if strings.TrimSpace(s.Email) == "" {
		return fmt.Errorf("signature email is empty")
	}
	if strings.ContainsAny(s.Name, "<>\n") || strings.ContainsAny(s.Email, "<>\n") {
		return fmt.Errorf("signature contains reserved characters: %q <%s>", s.Name, s.Email)
	}
	return nil
}

// String renders the signature the way it appears inside a commit.
func (s Signature) String() string {
	return fmt.Sprintf("%s <%s> %d %s", s.Name, s.Email, s.When.Unix(), s.When.Format("-0700"))
}

func parseSignature(sigStr string) (Signature, error) {
	emailStart := strings.Index(sigStr, "<")
	emailEnd := strings.Index(sigStr, ">")
	if emailStart == -1 || emailEnd == -1 || emailStart >= emailEnd {
		return Signature{}, fmt.Errorf("invalid signature format")
	}

	name := strings.TrimSpace(sigStr[:emailStart])
	email := sigStr[emailStart+1 : emailEnd]

	fields := strings.Fields(sigStr[emailEnd+1:])
	if len(fields) < 2 {
		return Signature{}, fmt.Errorf("invalid timestamp format")
	}

	timestamp, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Signature{}, fmt.Errorf("invalid timestamp: %v", err)
	}

	loc, err := parseZone(fields[1])
	if err != nil {
		return Signature{}, err
	}

	return Signature{
		Name:  name,
		Email: email,
		When:  time.Unix(timestamp, 0).In(loc),
	}, nil
}

func parseZone(tz string) (*time.Location, error) {
	if len(tz) != 5 || (tz[0] != '+' && tz[0] != '-') {
		return nil, fmt.Errorf("invalid timezone: %s", tz)
	}
	hours, err := strconv.Atoi(tz[1:3])
	if err != nil {
		return nil, fmt.Errorf("invalid timezone: %s", tz)
	}
	minutes, err := strconv.Atoi(tz[3:5])
	if err != nil {
		return nil, fmt.Errorf("invalid timezone: %s", tz)
	}
	offset := hours*3600 + minutes*60
	if tz[0] == '-' {
		offset = -offset
	}
	if offset == 0 {
		return time.UTC, nil
	}
	return time.FixedZone(tz, offset), nil
}
