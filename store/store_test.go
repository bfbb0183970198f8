package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kasuganosora/mailsystem/model"
	"github.com/kasuganosora/mailsystem/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	return New(db, 2*time.Second, zap.NewNop()), db
}

func seedMail(t *testing.T, s *Store, sender, recipient, currency int64, expires *time.Time) *model.Mail {
	t.Helper()
	m := &model.Mail{
		SenderID:    sender,
		SenderName:  "sender",
		RecipientID: recipient,
		Status:      model.MailStatusPending,
		Title:       "hello",
		ExpiresAt:   expires,
	}
	if currency > 0 {
		m.Attachment = &model.Attachment{Currency: currency, Payload: []byte{2, 1, 2, 3}, CodecVersion: 2}
	}
	require.NoError(t, s.InsertMail(context.Background(), m, nil))
	return m
}

func ptr(t time.Time) *time.Time { return &t }

func TestInsertAndFetch(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	m := seedMail(t, s, 1, 2, 100, nil)
	require.NotZero(t, m.ID)

	got, err := s.Fetch(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MailStatusPending, got.Status)
	require.NotNil(t, got.Attachment)
	assert.Equal(t, int64(100), got.Attachment.Currency)
	assert.Equal(t, []byte{2, 1, 2, 3}, got.Attachment.Payload)
	assert.True(t, got.HasAttachment())

	_, err = s.Fetch(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkClaimed_ExactlyOneWinner(t *testing.T) {
	s, db := newTestStore(t)
	m := seedMail(t, s, 1, 2, 50, nil)

	const callers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		already int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.MarkClaimed(context.Background(), m.ID, 2, time.Now())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrAlreadyClaimed):
				already++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, callers-1, already)

	var claims int64
	require.NoError(t, db.Model(&model.ClaimRecord{}).Where("mail_id = ?", m.ID).Count(&claims).Error)
	assert.Equal(t, int64(1), claims)

	got, err := s.Fetch(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MailStatusClaimed, got.Status)
}

func TestMarkClaimed_PastExpiry(t *testing.T) {
	s, _ := newTestStore(t)
	now := time.Now().UTC()
	m := seedMail(t, s, 1, 2, 50, ptr(now.Add(-time.Minute)))

	err := s.MarkClaimed(context.Background(), m.ID, 2, now)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
}

func TestExpireAndReturn(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	m := seedMail(t, s, 1, 2, 75, ptr(now.Add(-time.Hour)))

	ret, err := s.ExpireAndReturn(ctx, m.ID, now, &ReturnSpec{RecipientID: 1, SenderName: "System", Title: "Returned"})
	require.NoError(t, err)
	require.NotNil(t, ret)
	assert.Equal(t, int64(1), ret.RecipientID)
	assert.Equal(t, model.SystemSenderID, ret.SenderID)
	assert.Nil(t, ret.ExpiresAt, "return mail never expires")
	require.NotNil(t, ret.ReturnOf)
	assert.Equal(t, m.ID, *ret.ReturnOf)

	back, err := s.Fetch(ctx, ret.ID)
	require.NoError(t, err)
	require.NotNil(t, back.Attachment)
	assert.Equal(t, int64(75), back.Attachment.Currency)
	assert.Equal(t, []byte{2, 1, 2, 3}, back.Attachment.Payload)

	orig, err := s.Fetch(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MailStatusExpired, orig.Status)

	_, err = s.ExpireAndReturn(ctx, m.ID, now, &ReturnSpec{RecipientID: 1})
	assert.ErrorIs(t, err, ErrNotPending, "second sweep is a no-op")
}

func TestExpireAndReturn_NoAttachment(t *testing.T) {
	s, _ := newTestStore(t)
	now := time.Now().UTC()
	m := seedMail(t, s, 1, 2, 0, ptr(now.Add(-time.Hour)))

	ret, err := s.ExpireAndReturn(context.Background(), m.ID, now, &ReturnSpec{RecipientID: 1})
	require.NoError(t, err)
	assert.Nil(t, ret)
}

func TestExpireAndReturn_LosesToClaim(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	m := seedMail(t, s, 1, 2, 10, ptr(now.Add(time.Second)))

	require.NoError(t, s.MarkClaimed(ctx, m.ID, 2, now))
	_, err := s.ExpireAndReturn(ctx, m.ID, now.Add(time.Minute), &ReturnSpec{RecipientID: 1})
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestExpire_NotYetDue(t *testing.T) {
	s, _ := newTestStore(t)
	now := time.Now().UTC()
	m := seedMail(t, s, 1, 2, 10, ptr(now.Add(time.Hour)))
	assert.ErrorIs(t, s.MarkExpired(context.Background(), m.ID, now), ErrNotPending)

	never := seedMail(t, s, 1, 2, 10, nil)
	assert.ErrorIs(t, s.MarkExpired(context.Background(), never.ID, now), ErrNotPending)
}

func TestReturnToSender(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	m := seedMail(t, s, 1, 2, 30, nil)

	_, err := s.ReturnToSender(ctx, m.ID, 3, ReturnSpec{RecipientID: 1})
	assert.ErrorIs(t, err, ErrNotPending, "only the recipient may refuse")

	ret, err := s.ReturnToSender(ctx, m.ID, 2, ReturnSpec{RecipientID: 1, Title: "Returned"})
	require.NoError(t, err)
	require.NotNil(t, ret.Attachment)
	assert.Equal(t, int64(30), ret.Attachment.Currency)

	orig, _ := s.Fetch(ctx, m.ID)
	assert.Equal(t, model.MailStatusReturned, orig.Status)
}

func TestQuarantine(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	m := seedMail(t, s, 1, 2, 10, nil)

	require.NoError(t, s.Quarantine(ctx, m.ID))
	assert.ErrorIs(t, s.Quarantine(ctx, m.ID), ErrNotPending)
	assert.ErrorIs(t, s.MarkClaimed(ctx, m.ID, 2, time.Now()), ErrAlreadyClaimed)
}

func TestDailyLimit(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()
	quota := &SendQuota{CharID: 1, Day: "2026-10-18", Limit: 2}

	for i := 0; i < 2; i++ {
		require.NoError(t, s.InsertMail(ctx, &model.Mail{SenderID: 1, RecipientID: 2, Title: "x"}, quota))
	}
	err := s.InsertMail(ctx, &model.Mail{SenderID: 1, RecipientID: 2, Title: "x"}, quota)
	assert.ErrorIs(t, err, ErrDailyLimit)

	var n int64
	require.NoError(t, db.Model(&model.Mail{}).Count(&n).Error)
	assert.Equal(t, int64(2), n, "rejected insert rolls back")

	sent, err := s.SentToday(ctx, 1, "2026-10-18")
	require.NoError(t, err)
	assert.Equal(t, 2, sent)

	sent, err = s.SentToday(ctx, 1, "2026-10-19")
	require.NoError(t, err)
	assert.Zero(t, sent)
}

func TestListsAndCounts(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a := seedMail(t, s, 1, 2, 0, nil)
	b := seedMail(t, s, 1, 2, 10, ptr(now.Add(-time.Minute)))
	c := seedMail(t, s, 3, 2, 0, nil)
	seedMail(t, s, 1, 4, 0, nil)
	require.NoError(t, s.MarkClaimed(ctx, c.ID, 2, now))

	pending, err := s.ListPending(ctx, 2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, a.ID, pending[0].ID, "oldest first")

	n, err := s.CountPending(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	expired, err := s.ListExpired(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, b.ID, expired[0].ID)

	sent, err := s.ListSent(ctx, 1, 10)
	require.NoError(t, err)
	assert.Len(t, sent, 3)

	all, err := s.ListByRecipient(ctx, 2, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, s.MarkRead(ctx, a.ID, 2, now))
	require.NoError(t, s.MarkRead(ctx, a.ID, 2, now), "re-read is a no-op")
	assert.ErrorIs(t, s.MarkRead(ctx, a.ID, 9, now), ErrNotFound)

	unread, err := s.CountUnread(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), unread)

	counts, err := s.UnreadCounts(ctx, []int64{2, 4, 5})
	require.NoError(t, err)
	assert.Equal(t, map[int64]int64{2: 1, 4: 1}, counts)
}

func TestPurgeRetained(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := seedMail(t, s, 1, 2, 10, nil)
	require.NoError(t, s.MarkClaimed(ctx, old.ID, 2, now))
	require.NoError(t, db.Model(&model.Mail{}).Where("id = ?", old.ID).
		UpdateColumn("updated_at", now.AddDate(0, 0, -100)).Error)

	fresh := seedMail(t, s, 1, 2, 10, nil)
	require.NoError(t, s.MarkClaimed(ctx, fresh.ID, 2, now))
	pending := seedMail(t, s, 1, 2, 10, nil)
	require.NoError(t, db.Model(&model.Mail{}).Where("id = ?", pending.ID).
		UpdateColumn("updated_at", now.AddDate(0, 0, -100)).Error)

	n, err := s.PurgeRetained(ctx, now.AddDate(0, 0, -90), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Fetch(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	var leftovers int64
	db.Model(&model.Attachment{}).Where("mail_id = ?", old.ID).Count(&leftovers)
	assert.Zero(t, leftovers)
	db.Model(&model.ClaimRecord{}).Where("mail_id = ?", old.ID).Count(&leftovers)
	assert.Zero(t, leftovers)

	_, err = s.Fetch(ctx, fresh.ID)
	assert.NoError(t, err)
	_, err = s.Fetch(ctx, pending.ID)
	assert.NoError(t, err, "pending mail is never purged")
}

func TestPurgeMailbox(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	a := seedMail(t, s, 1, 2, 10, nil)
	b := seedMail(t, s, 1, 2, 10, nil)
	require.NoError(t, s.MarkClaimed(ctx, a.ID, 2, time.Now()))

	n, err := s.PurgeMailbox(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	left, _ := s.ListByRecipient(ctx, 2, 10)
	require.Len(t, left, 1)
	assert.Equal(t, b.ID, left[0].ID)
}

// seedFinished returns a quarantined mail, an expired mail whose attachment
// went nowhere, and an expired mail that was returned, all for recipient 2.
func seedFinished(t *testing.T, s *Store) (quarantined, stranded, returned *model.Mail) {
	t.Helper()
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	quarantined = seedMail(t, s, 1, 2, 10, nil)
	require.NoError(t, s.Quarantine(ctx, quarantined.ID))

	stranded = seedMail(t, s, 1, 2, 10, ptr(past))
	_, err := s.ExpireAndReturn(ctx, stranded.ID, time.Now(), nil)
	require.NoError(t, err)

	returned = seedMail(t, s, 1, 2, 10, ptr(past))
	_, err = s.ExpireAndReturn(ctx, returned.ID, time.Now(), &ReturnSpec{RecipientID: 1, Title: "back"})
	require.NoError(t, err)
	return quarantined, stranded, returned
}

func TestPurgeMailboxKeepsQuarantinedAndStranded(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	quarantined, stranded, returned := seedFinished(t, s)

	n, err := s.PurgeMailbox(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Fetch(ctx, returned.ID)
	assert.ErrorIs(t, err, ErrNotFound, "returned attachment lives on in the bounce")
	_, err = s.Fetch(ctx, quarantined.ID)
	assert.NoError(t, err)
	got, err := s.Fetch(ctx, stranded.ID)
	require.NoError(t, err)
	assert.True(t, got.HasAttachment())
}

func TestPurgeRetainedKeepsQuarantinedAndStranded(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()
	quarantined, stranded, returned := seedFinished(t, s)
	require.NoError(t, db.Model(&model.Mail{}).Where("recipient_id = ?", 2).
		UpdateColumn("updated_at", time.Now().UTC().AddDate(0, 0, -100)).Error)

	n, err := s.PurgeRetained(ctx, time.Now().UTC().AddDate(0, 0, -90), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Fetch(ctx, returned.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Fetch(ctx, quarantined.ID)
	assert.NoError(t, err)
	_, err = s.Fetch(ctx, stranded.ID)
	assert.NoError(t, err)
}

func TestDeleteMail(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()
	quarantined, stranded, returned := seedFinished(t, s)
	pending := seedMail(t, s, 1, 2, 10, nil)
	claimed := seedMail(t, s, 1, 2, 10, nil)
	require.NoError(t, s.MarkClaimed(ctx, claimed.ID, 2, time.Now()))

	assert.ErrorIs(t, s.DeleteMail(ctx, claimed.ID, 3), ErrNotFound, "someone else's mail")
	for _, m := range []*model.Mail{pending, quarantined, stranded} {
		assert.ErrorIs(t, s.DeleteMail(ctx, m.ID, 2), ErrNotDeletable)
	}
	require.NoError(t, s.DeleteMail(ctx, claimed.ID, 2))
	require.NoError(t, s.DeleteMail(ctx, returned.ID, 2))

	_, err := s.Fetch(ctx, claimed.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	var leftovers int64
	db.Model(&model.ClaimRecord{}).Where("mail_id = ?", claimed.ID).Count(&leftovers)
	assert.Zero(t, leftovers)
	assert.ErrorIs(t, s.DeleteMail(ctx, claimed.ID, 2), ErrNotFound)
}

func TestBlacklist(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Block(ctx, 1, 2))
	require.NoError(t, s.Block(ctx, 1, 2))
	require.NoError(t, s.Block(ctx, 1, 3))

	blocked, err := s.IsBlocked(ctx, 1, 2)
	require.NoError(t, err)
	assert.True(t, blocked)
	blocked, _ = s.IsBlocked(ctx, 2, 1)
	assert.False(t, blocked)

	ids, err := s.ListBlocked(ctx, 1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{2, 3}, ids)

	removed, err := s.Unblock(ctx, 1, 2)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, _ = s.Unblock(ctx, 1, 2)
	assert.False(t, removed)
}

func TestDeadLetterLifecycle(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	dl := &model.DeadLetter{MailID: 1, CharID: 2, Kind: model.DeadLetterCurrency, Amount: 40, MaxAttempts: 3, NextAttemptAt: now}
	require.NoError(t, s.EnqueueDeadLetter(ctx, dl))
	require.Equal(t, model.DeadLetterPending, dl.Status)

	due, err := s.DueDeadLetters(ctx, now.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	ok, err := s.LeaseDeadLetter(ctx, dl.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = s.LeaseDeadLetter(ctx, dl.ID)
	assert.False(t, ok, "a leased entry cannot be leased twice")

	require.NoError(t, s.RescheduleDeadLetter(ctx, dl.ID, 1, now.Add(time.Hour), "wallet down"))
	due, _ = s.DueDeadLetters(ctx, now.Add(time.Second), 10)
	assert.Empty(t, due, "rescheduled into the future")

	require.NoError(t, s.RescheduleDeadLetter(ctx, dl.ID, 3, time.Time{}, "gave up"))
	failed, err := s.ListDeadLetters(ctx, model.DeadLetterFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "gave up", failed[0].LastError)

	require.NoError(t, s.RequeueDeadLetter(ctx, dl.ID, now))
	assert.ErrorIs(t, s.RequeueDeadLetter(ctx, dl.ID, now), ErrNotFound)

	ok, _ = s.LeaseDeadLetter(ctx, dl.ID)
	require.True(t, ok)
	require.NoError(t, db.Model(&model.DeadLetter{}).Where("id = ?", dl.ID).
		UpdateColumn("updated_at", now.Add(-time.Hour)).Error)
	n, err := s.ReleaseStaleLeases(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ok, _ = s.LeaseDeadLetter(ctx, dl.ID)
	require.True(t, ok)
	require.NoError(t, s.MarkDeadLetterDelivered(ctx, dl.ID, 1))
	all, _ := s.ListDeadLetters(ctx, "", 10)
	require.Len(t, all, 1)
	assert.Equal(t, model.DeadLetterDelivered, all[0].Status)
}

func TestPoolExhaustion_Unavailable(t *testing.T) {
	db := testutil.SetupTestDB(t)
	s := New(db, 50*time.Millisecond, zap.NewNop())

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = db.Transaction(func(tx *gorm.DB) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	_, err := s.CountPending(context.Background(), 1)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	err = s.MarkClaimed(context.Background(), 1, 1, time.Now())
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	close(release)
	<-done

	_, err = s.CountPending(context.Background(), 1)
	assert.NoError(t, err, "recovers once the connection is returned")
}

func TestPing(t *testing.T) {
	s, _ := newTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestTemplates(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Template(ctx, "welcome")
	assert.ErrorIs(t, err, ErrNotFound)

	tpl := &model.MailTemplate{Name: "welcome", Title: "Hi {receiver}", Currency: 10, CreatedBy: "ops"}
	require.NoError(t, s.SaveTemplate(ctx, tpl))
	require.NotZero(t, tpl.ID)
	require.NoError(t, s.CountTemplateUse(ctx, "welcome", 3))

	require.NoError(t, s.SaveTemplate(ctx, &model.MailTemplate{Name: "welcome", Title: "Hello {receiver}", CreatedBy: "other"}))
	got, err := s.Template(ctx, "welcome")
	require.NoError(t, err)
	assert.Equal(t, tpl.ID, got.ID)
	assert.Equal(t, "Hello {receiver}", got.Title)
	assert.Zero(t, got.Currency)
	assert.Equal(t, 3, got.UseCount, "use count survives an edit")
	assert.Equal(t, "ops", got.CreatedBy)

	require.NoError(t, s.SaveTemplate(ctx, &model.MailTemplate{Name: "anniversary", Title: "t"}))
	all, err := s.Templates(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "anniversary", all[0].Name)

	ok, err := s.DeleteTemplate(ctx, "welcome")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = s.DeleteTemplate(ctx, "welcome")
	assert.False(t, ok)
}

func TestPruneAppliedOps(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, db.Create(&model.AppliedOp{Key: "debit:old", CharID: 1, Kind: "debit", CreatedAt: now.AddDate(0, 0, -100)}).Error)
	require.NoError(t, db.Create(&model.AppliedOp{Key: "debit:new", CharID: 1, Kind: "debit"}).Error)

	n, err := s.PruneAppliedOps(ctx, now.AddDate(0, 0, -90))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
