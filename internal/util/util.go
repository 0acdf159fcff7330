package util

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// ID prefixes per entity.
const (
	PrefixCampaign  = "cmp_"
	PrefixRecipient = "rcp_"
	PrefixJob       = "job_"
	PrefixSession   = "ses_"
	PrefixMessage   = "msg_"
	PrefixContact   = "con_"
)

func NewID(prefix string) string {
	// ULID is sortable, so keyset pagination over ids follows creation order
	t := time.Now().UTC()
	return prefix + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NowUTC() time.Time {
	return time.Now().UTC()
}
