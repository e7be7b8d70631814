package imapfolder

import (
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/hkdb/threadwatch/internal/email"
	"github.com/stretchr/testify/assert"
)

func TestConvertFlags(t *testing.T) {
	tests := []struct {
		name string
		in   []imap.Flag
		want email.Flags
	}{
		{"no flags means unread", nil, email.FlagUnread},
		{"seen clears unread", []imap.Flag{imap.FlagSeen}, email.FlagsNone},
		{"flagged unseen", []imap.Flag{imap.FlagFlagged}, email.FlagUnread | email.FlagFlagged},
		{
			"everything",
			[]imap.Flag{imap.FlagSeen, imap.FlagFlagged, imap.FlagDraft, imap.FlagAnswered, imap.FlagDeleted},
			email.FlagFlagged | email.FlagDraft | email.FlagAnswered | email.FlagDeleted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, convertFlags(tt.in))
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 993, cfg.Port)
	assert.Equal(t, SecurityTLS, cfg.Security)
	assert.NotZero(t, cfg.ConnectTimeout)
}
