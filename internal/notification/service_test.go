package notification

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erfinfo/efc-backup/internal/db"
	"github.com/erfinfo/efc-backup/internal/repositories"
	"github.com/erfinfo/efc-backup/internal/scheduler"
)

type fakeSettingsRepo struct {
	mu    sync.Mutex
	items map[string]db.EncryptedString
}

func newFakeSettingsRepo(values map[string]string) *fakeSettingsRepo {
	items := make(map[string]db.EncryptedString, len(values))
	for k, v := range values {
		items[k] = db.EncryptedString(v)
	}
	return &fakeSettingsRepo{items: items}
}

func (f *fakeSettingsRepo) Get(ctx context.Context, key string) (*db.Setting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.items[key]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return &db.Setting{Key: key, Value: v}, nil
}

func (f *fakeSettingsRepo) Set(ctx context.Context, key string, value db.EncryptedString) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[key] = value
	return nil
}

func (f *fakeSettingsRepo) GetMany(ctx context.Context, prefix string) ([]db.Setting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.Setting
	for k, v := range f.items {
		if strings.HasPrefix(k, prefix) {
			out = append(out, db.Setting{Key: k, Value: v})
		}
	}
	return out, nil
}

func (f *fakeSettingsRepo) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, key)
	return nil
}

func TestService_NotifyBatchOutcome_SkipsChannelsWhenUnconfigured(t *testing.T) {
	repo := newFakeSettingsRepo(nil)
	svc := NewService(Config{Settings: repo})

	err := svc.NotifyBatchOutcome(context.Background(), scheduler.BatchSummary{
		ScheduleName: "builtin-daily-incremental",
		Kind:         db.BackupKindIncremental,
		Origin:       "scheduled",
		Succeeded:    []string{"host-a"},
	})
	require.NoError(t, err)
}

func TestService_NotifyBatchOutcome_PostsWebhookWithSignature(t *testing.T) {
	var receivedSig string
	var receivedBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedSig = r.Header.Get("X-EFC-Signature")
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	repo := newFakeSettingsRepo(map[string]string{
		KeyWebhookURL:     server.URL,
		KeyWebhookSecret:  "s3cr3t",
		KeyWebhookEnabled: "true",
	})
	svc := NewService(Config{Settings: repo})

	err := svc.NotifyBatchOutcome(context.Background(), scheduler.BatchSummary{
		ScheduleName: "builtin-weekly-full",
		Kind:         db.BackupKindFull,
		Origin:       "scheduled",
		Failed:       map[string]string{"host-b": "connect refused"},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(receivedSig, "sha256="))
	assert.Contains(t, string(receivedBody), "host-b")
}

func TestService_NotifyBatchOutcome_WebhookDisabledIsSkippedSilently(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	repo := newFakeSettingsRepo(map[string]string{
		KeyWebhookURL:     server.URL,
		KeyWebhookEnabled: "false",
	})
	svc := NewService(Config{Settings: repo})

	err := svc.NotifyBatchOutcome(context.Background(), scheduler.BatchSummary{
		ScheduleName: "builtin-monthly-full",
		Kind:         db.BackupKindFull,
		Origin:       "scheduled",
		Succeeded:    []string{"host-a"},
	})
	require.NoError(t, err)
	assert.False(t, called)
}

func TestRenderBatchSummary_SuccessVsFailureTitles(t *testing.T) {
	successTitle, _ := renderBatchSummary(scheduler.BatchSummary{
		Origin:    "scheduled",
		Kind:      db.BackupKindIncremental,
		Succeeded: []string{"a", "b"},
	})
	assert.Contains(t, successTitle, "succeeded")

	failureTitle, body := renderBatchSummary(scheduler.BatchSummary{
		Origin: "scheduled",
		Kind:   db.BackupKindFull,
		Failed: map[string]string{"c": "timeout"},
	})
	assert.Contains(t, failureTitle, "failures")
	assert.Contains(t, body, "c: timeout")
}

func TestBuildEmail_StripsHeaderInjectionAttempts(t *testing.T) {
	summary := scheduler.BatchSummary{
		ScheduleName: "nightly\r\nBcc: attacker@example.com",
		Kind:         db.BackupKindFull,
		Origin:       "scheduled",
	}
	msg := string(buildEmail("efc@example.com", []string{"ops@example.com"}, summary, "subject\r\nBcc: attacker@example.com", "body"))
	assert.NotContains(t, msg, "\r\nBcc:")
}
