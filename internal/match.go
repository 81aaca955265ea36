package warden

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

var errNoMatch = errors.New("line does not match")

type failureRecord struct {
	address    netip.Addr
	observedAt time.Time
	status     int
	service    string
}

// escalates reports whether r denotes an authentication or access failure.
// Records without a status always do.
func (r *failureRecord) escalates() bool {
	return r.status == 0 || (r.status >= 400 && r.status <= 499)
}

func (r *failureRecord) String() string {
	return fmt.Sprintf("service = %s, ip = %s, time = %s, status = %d", r.service, r.address, r.observedAt.Format(time.RFC3339), r.status)
}

func (s *service) match(line string, now time.Time) (*failureRecord, error) {
	sm := s.regexp.FindStringSubmatch(line)
	if sm == nil {
		return nil, errNoMatch
	}

	r := &failureRecord{service: s.name}

	ip := strings.Trim(sm[s.ipIndex], "[]")
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return nil, fmt.Errorf(`failed to parse address "%s": %w`, ip, err)
	}
	r.address = a.Unmap()

	r.observedAt, err = parseDatetime(sm[s.datetimeIndex], now)
	if err != nil {
		return nil, err
	}

	if s.statusIndex >= 0 && sm[s.statusIndex] != "" {
		r.status, err = strconv.Atoi(sm[s.statusIndex])
		if err != nil {
			return nil, fmt.Errorf(`failed to parse status "%s": %w`, sm[s.statusIndex], err)
		}
	}

	return r, nil
}
