package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/tendant/simple-idm-totp/pkg/domain"
)

type recordingPublisher struct {
	msgs []*nats.Msg
	err  error
}

func (r *recordingPublisher) PublishMsg(m *nats.Msg) error {
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, m)
	return nil
}

func TestNATSSink_Subject(t *testing.T) {
	tests := []struct {
		prefix string
		kind   domain.EventKind
		want   string
	}{
		{"", domain.EventSignedOut, "idm.auth.signed_out"},
		{"acme.idm.", domain.EventLoginSucceeded, "acme.idm.login_succeeded"},
		{"idm", domain.EventSecondFactorRequired, "idm.second_factor_required"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			sink := newSink(&recordingPublisher{}, tt.prefix, nil)
			if got := sink.Subject(tt.kind); got != tt.want {
				t.Errorf("Subject() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNATSSink_Publish(t *testing.T) {
	pub := &recordingPublisher{}
	sink := newSink(pub, "idm.auth", nil)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	sink.Publish(context.Background(), domain.Event{
		Kind:      domain.EventSecondFactorCleared,
		AccountID: "acct-1",
		SessionID: "sess-1",
		At:        at,
	})

	if len(pub.msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(pub.msgs))
	}
	msg := pub.msgs[0]
	if msg.Subject != "idm.auth.second_factor_cleared" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if msg.Header.Get(nats.MsgIdHdr) == "" {
		t.Error("missing message id header")
	}

	var got domain.Event
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got.Kind != domain.EventSecondFactorCleared || got.AccountID != "acct-1" || !got.At.Equal(at) {
		t.Errorf("payload = %+v", got)
	}
}

func TestNATSSink_PublishFailureIsSwallowed(t *testing.T) {
	sink := newSink(&recordingPublisher{err: errors.New("nats: connection closed")}, "", nil)
	sink.Publish(context.Background(), domain.Event{Kind: domain.EventSignedOut})
}

func TestNATSSink_Closed(t *testing.T) {
	pub := &recordingPublisher{}
	sink := newSink(pub, "", nil)
	if err := sink.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	sink.Publish(context.Background(), domain.Event{Kind: domain.EventSignedOut})
	if len(pub.msgs) != 0 {
		t.Errorf("published %d messages after close", len(pub.msgs))
	}
}

func TestNewNATSSink_RequiresURL(t *testing.T) {
	if _, err := NewNATSSink(NATSConfig{}, nil); !errors.Is(err, ErrNATSURLRequired) {
		t.Errorf("NewNATSSink() error = %v, want %v", err, ErrNATSURLRequired)
	}
}
