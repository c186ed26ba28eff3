package services

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/dmitrijs2005/securemsg/internal/common"
	"github.com/dmitrijs2005/securemsg/internal/cryptox"
	"github.com/dmitrijs2005/securemsg/internal/server/audit"
	"github.com/dmitrijs2005/securemsg/internal/server/config"
	"github.com/dmitrijs2005/securemsg/internal/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// envelope encrypts a short text under a throwaway key. Exactly one of
// recipientID and roomID should be set.
func (e *testEnv) envelope(t *testing.T, senderID, recipientID, roomID string) SaveMessageRequest {
	t.Helper()
	sealed, err := cryptox.Encrypt(cryptox.AES256GCM, []byte("hello"), common.GenerateRandByteArray(cryptox.SessionKeySize))
	require.NoError(t, err)
	return SaveMessageRequest{
		ConversationID:  "c1",
		SenderID:        senderID,
		RecipientID:     recipientID,
		RoomID:          roomID,
		KeyID:           "session-1",
		Algorithm:       cryptox.AES256GCM,
		Ciphertext:      cryptox.EncodeBase64(sealed.Ciphertext),
		IV:              cryptox.EncodeBase64(sealed.IV),
		Tag:             cryptox.EncodeBase64(sealed.Tag),
		ContentType:     "text/plain",
		ClientTimestamp: e.clock.Now(),
	}
}

func TestSaveEncryptedMessage_Direct(t *testing.T) {
	env := newTestEnv(t)
	msg, err := env.store.SaveEncryptedMessage(context.Background(), env.envelope(t, "alice", "bob", ""))
	require.NoError(t, err)

	assert.NotEmpty(t, msg.ID)
	assert.EqualValues(t, 5, msg.MessageSize)
	assert.False(t, msg.IsSigned)
	assert.Equal(t, models.VerificationUnverified, msg.VerificationStatus)
	assert.Equal(t, models.MessageCreated, msg.StatusAt(env.clock.Now()))

	recs := env.topic(models.EventEncryptedMessageSend)
	require.Len(t, recs, 1)
	assert.Equal(t, "c1", recs[0].Key)
	assert.Contains(t, string(recs[0].Payload), `"recipientId":"bob"`)
	assert.NotContains(t, string(recs[0].Payload), "ciphertext")
	assert.Len(t, env.push.ForUser("bob"), 1)
}

func TestSaveEncryptedMessage_RoomBroadcastSkipsSender(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.store.SaveEncryptedMessage(context.Background(), env.envelope(t, "alice", "", "room-1"))
	require.NoError(t, err)

	d := env.push.Deliveries()
	require.Len(t, d, 1)
	assert.Equal(t, "room-1", d[0].RoomID)
	assert.Equal(t, "alice", d[0].Exclude)
}

func TestSaveEncryptedMessage_Validation(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.MaxCiphertextSize = 16 })

	tests := []struct {
		name   string
		mutate func(r *SaveMessageRequest)
		want   error
	}{
		{"recipient and room", func(r *SaveMessageRequest) { r.RoomID = "room-1" }, common.ErrRecipientExclusivity},
		{"neither recipient nor room", func(r *SaveMessageRequest) { r.RecipientID = "" }, common.ErrRecipientExclusivity},
		{"unknown cipher", func(r *SaveMessageRequest) { r.Algorithm = "AES-128-CBC" }, common.ErrUnsupportedAlgorithm},
		{"short iv", func(r *SaveMessageRequest) { r.IV = cryptox.EncodeBase64(make([]byte, 8)) }, common.ErrInvalidPayload},
		{"missing tag", func(r *SaveMessageRequest) { r.Tag = "" }, common.ErrInvalidPayload},
		{"ciphertext too large", func(r *SaveMessageRequest) { r.Ciphertext = cryptox.EncodeBase64(make([]byte, 17)) }, common.ErrInvalidPayload},
		{"bad base64", func(r *SaveMessageRequest) { r.Ciphertext = "%%%" }, common.ErrInvalidPayload},
		{"oversized signature", func(r *SaveMessageRequest) { r.Signature = cryptox.EncodeBase64(make([]byte, MaxSignatureSize+1)) }, common.ErrInvalidPayload},
		{"timer too short", func(r *SaveMessageRequest) { r.SelfDestructTimer = time.Minute }, common.ErrInvalidPayload},
		{"timer too long", func(r *SaveMessageRequest) { r.SelfDestructTimer = 8 * 24 * time.Hour }, common.ErrInvalidPayload},
		{"missing timestamp", func(r *SaveMessageRequest) { r.ClientTimestamp = time.Time{} }, common.ErrInvalidPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := env.envelope(t, "alice", "bob", "")
			tt.mutate(&req)
			_, err := env.store.SaveEncryptedMessage(context.Background(), req)
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, common.KindValidation, common.KindOf(err))
		})
	}
	assert.Empty(t, env.broker.Records())
}

func TestSaveEncryptedMessage_RecipientOrRoomRandomized(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rnd := rand.New(rand.NewSource(20250301))
	pick := func(prefix string) string {
		if rnd.Intn(2) == 0 {
			return ""
		}
		return prefix + string(rune('a'+rnd.Intn(26)))
	}

	stored := 0
	for i := 0; i < 200; i++ {
		recipientID, roomID := pick("user-"), pick("room-")
		req := env.envelope(t, "alice", recipientID, roomID)
		msg, err := env.store.SaveEncryptedMessage(ctx, req)
		if (recipientID == "") == (roomID == "") {
			require.ErrorIs(t, err, common.ErrRecipientExclusivity, "recipient %q room %q", recipientID, roomID)
			continue
		}
		require.NoError(t, err, "recipient %q room %q", recipientID, roomID)
		stored++

		row, err := env.repos.Messages(nil).Get(ctx, msg.ID)
		require.NoError(t, err)
		assert.NotEqual(t, row.RecipientID == "", row.RoomID == "", "exactly one target is stored")
		assert.Equal(t, recipientID, row.RecipientID)
		assert.Equal(t, roomID, row.RoomID)
	}
	assert.Len(t, env.topic(models.EventEncryptedMessageSend), stored)
}

func TestSaveEncryptedMessage_ReplayProtection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	stale := env.envelope(t, "alice", "bob", "")
	stale.ClientTimestamp = env.clock.Now().Add(-10 * time.Minute)
	_, err := env.store.SaveEncryptedMessage(ctx, stale)
	require.ErrorIs(t, err, common.ErrReplayDetected)

	future := env.envelope(t, "alice", "bob", "")
	future.ClientTimestamp = env.clock.Now().Add(10 * time.Minute)
	_, err = env.store.SaveEncryptedMessage(ctx, future)
	require.ErrorIs(t, err, common.ErrReplayDetected)

	req := env.envelope(t, "alice", "bob", "")
	_, err = env.store.SaveEncryptedMessage(ctx, req)
	require.NoError(t, err)
	_, err = env.store.SaveEncryptedMessage(ctx, req)
	require.ErrorIs(t, err, common.ErrReplayDetected, "same key id and iv")

	assert.Equal(t, []string{audit.EventReplayRejected, audit.EventReplayRejected, audit.EventReplayRejected}, env.sink.events())
	assert.Len(t, env.topic(models.EventEncryptedMessageSend), 1)
}

func signEnvelope(t *testing.T, req *SaveMessageRequest, priv []byte, alg string) {
	t.Helper()
	var payload []byte
	for _, f := range []string{req.Ciphertext, req.IV, req.Tag} {
		b, err := cryptox.DecodeBase64(f)
		require.NoError(t, err)
		payload = append(payload, b...)
	}
	sig, err := cryptox.Sign(payload, priv, alg)
	require.NoError(t, err)
	req.Signature = cryptox.EncodeBase64(sig)
}

func TestSaveEncryptedMessage_Signatures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	signer := env.upload(t, "alice", "alice-sign", cryptox.KeyEd25519)
	other, err := cryptox.GenerateKeyPair(cryptox.KeyEd25519)
	require.NoError(t, err)

	good := env.envelope(t, "alice", "bob", "")
	signEnvelope(t, &good, signer.PrivateKey, cryptox.KeyEd25519)
	msg, err := env.store.SaveEncryptedMessage(ctx, good)
	require.NoError(t, err)
	assert.True(t, msg.IsSigned)
	assert.Equal(t, models.VerificationVerified, msg.VerificationStatus)

	forged := env.envelope(t, "alice", "bob", "")
	signEnvelope(t, &forged, other.PrivateKey, cryptox.KeyEd25519)
	msg, err = env.store.SaveEncryptedMessage(ctx, forged)
	require.NoError(t, err, "flag policy stores the message")
	assert.Equal(t, models.VerificationFailed, msg.VerificationStatus)
	assert.Contains(t, env.sink.events(), audit.EventSignatureFailed)

	stored, err := env.store.GetMessage(ctx, msg.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, models.VerificationFailed, stored.VerificationStatus)
}

func TestSaveEncryptedMessage_RejectPolicy(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.SignaturePolicy = config.SignaturePolicyReject })
	other, err := cryptox.GenerateKeyPair(cryptox.KeyEd25519)
	require.NoError(t, err)
	env.upload(t, "alice", "alice-sign", cryptox.KeyEd25519)

	req := env.envelope(t, "alice", "bob", "")
	signEnvelope(t, &req, other.PrivateKey, cryptox.KeyEd25519)
	_, err = env.store.SaveEncryptedMessage(context.Background(), req)
	require.ErrorIs(t, err, common.ErrSignatureInvalid)
	assert.Equal(t, common.KindCrypto, common.KindOf(err))

	assert.Empty(t, env.topic(models.EventEncryptedMessageSend))
	assert.Equal(t, []string{audit.EventKeyUploaded, audit.EventSignatureFailed}, env.sink.events())
}

func TestGetMessagesByConversation_Pages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		m, err := env.store.SaveEncryptedMessage(ctx, env.envelope(t, "alice", "bob", ""))
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}

	var seen []string
	cursor := ""
	for _, wantMore := range []bool{true, true, false} {
		page, err := env.store.GetMessagesByConversation(ctx, "c1", cursor, 2)
		require.NoError(t, err)
		assert.Equal(t, wantMore, page.HasMore)
		for _, m := range page.Items {
			seen = append(seen, m.ID)
		}
		cursor = page.NextCursor
		if !wantMore {
			assert.Empty(t, cursor)
		}
	}
	assert.Equal(t, []string{ids[4], ids[3], ids[2], ids[1], ids[0]}, seen, "newest first")

	_, err := env.store.GetMessagesByConversation(ctx, "c1", "not-a-uuid", 2)
	require.ErrorIs(t, err, common.ErrInvalidPayload)
}

func TestGetMessage_Access(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	msg, err := env.store.SaveEncryptedMessage(ctx, env.envelope(t, "alice", "bob", ""))
	require.NoError(t, err)

	for _, user := range []string{"alice", "bob"} {
		got, err := env.store.GetMessage(ctx, msg.ID, user)
		require.NoError(t, err)
		assert.Equal(t, msg.Ciphertext, got.Ciphertext)
	}

	_, err = env.store.GetMessage(ctx, msg.ID, "carol")
	require.ErrorIs(t, err, common.ErrorUnauthorized)

	_, err = env.store.GetMessage(ctx, "missing", "bob")
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func TestMarkMessageAsRead(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	req := env.envelope(t, "alice", "bob", "")
	req.SelfDestructTimer = 10 * time.Minute
	msg, err := env.store.SaveEncryptedMessage(ctx, req)
	require.NoError(t, err)

	_, err = env.store.MarkMessageAsRead(ctx, msg.ID, 0, "carol")
	require.ErrorIs(t, err, common.ErrorUnauthorized)

	env.clock.Advance(time.Minute)
	read, err := env.store.MarkMessageAsRead(ctx, msg.ID, 0, "bob")
	require.NoError(t, err)
	require.NotNil(t, read.ReadAt)
	require.NotNil(t, read.DestructAt)
	assert.Equal(t, env.clock.Now(), *read.ReadAt)
	assert.Equal(t, env.clock.Now().Add(10*time.Minute), *read.DestructAt)
	assert.Equal(t, models.MessageRead, read.StatusAt(env.clock.Now()))

	notices := env.topic(models.EventMessageRead)
	require.Len(t, notices, 1)
	assert.Len(t, env.push.ForUser("alice"), 1, "sender is told")

	env.clock.Advance(time.Minute)
	again, err := env.store.MarkMessageAsRead(ctx, msg.ID, 0, "bob")
	require.NoError(t, err)
	assert.Equal(t, *read.ReadAt, *again.ReadAt, "first read wins")
	assert.Len(t, env.topic(models.EventMessageRead), 1, "no second notice")
}

func TestMarkMessageAsRead_FutureReadTimeIsClamped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	msg, err := env.store.SaveEncryptedMessage(ctx, env.envelope(t, "alice", "bob", ""))
	require.NoError(t, err)

	read, err := env.store.MarkMessageAsRead(ctx, msg.ID, env.clock.Now().Add(time.Hour).UnixMilli(), "bob")
	require.NoError(t, err)
	assert.Equal(t, env.clock.Now(), *read.ReadAt)
	assert.Nil(t, read.DestructAt, "no timer, no countdown")
}

func TestMarkMessageAsRead_RoomMessage(t *testing.T) {
	env := newTestEnv(t)
	msg, err := env.store.SaveEncryptedMessage(context.Background(), env.envelope(t, "alice", "", "room-1"))
	require.NoError(t, err)

	_, err = env.store.MarkMessageAsRead(context.Background(), msg.ID, 0, "bob")
	require.ErrorIs(t, err, common.ErrorUnauthorized)
}

func TestCleanupSelfDestructMessages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		req := env.envelope(t, "alice", "bob", "")
		req.SelfDestructTimer = MinSelfDestructTimer
		m, err := env.store.SaveEncryptedMessage(ctx, req)
		require.NoError(t, err)
		_, err = env.store.MarkMessageAsRead(ctx, m.ID, 0, "bob")
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}
	keep, err := env.store.SaveEncryptedMessage(ctx, env.envelope(t, "alice", "bob", ""))
	require.NoError(t, err)

	n, err := env.store.CleanupSelfDestructMessages(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "countdown still running")

	env.clock.Advance(MinSelfDestructTimer + time.Second)
	_, err = env.store.GetMessage(ctx, ids[0], "bob")
	require.ErrorIs(t, err, common.ErrMessageDestroyed, "past due counts as destroyed before the sweep")

	n, err = env.store.CleanupSelfDestructMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "batch size 2 needs two rounds")

	_, err = env.store.GetMessage(ctx, ids[0], "bob")
	require.ErrorIs(t, err, common.ErrorNotFound)
	_, err = env.store.GetMessage(ctx, keep.ID, "bob")
	require.NoError(t, err)

	assert.Len(t, env.topic(models.EventMessageDestructed), 3)
	var toBob int
	for _, f := range env.push.ForUser("bob") {
		if f.Type == models.EventMessageDestructed {
			toBob++
		}
	}
	assert.Equal(t, 3, toBob)
}

func TestCleanupSelfDestructMessages_NoticeKeepsStoredTenant(t *testing.T) {
	env := newTestEnv(t)
	acme := common.WithTenant(context.Background(), "acme")

	req := env.envelope(t, "alice", "bob", "")
	req.SelfDestructTimer = MinSelfDestructTimer
	m, err := env.store.SaveEncryptedMessage(acme, req)
	require.NoError(t, err)
	assert.Equal(t, "acme", m.TenantID)
	_, err = env.store.MarkMessageAsRead(acme, m.ID, 0, "bob")
	require.NoError(t, err)

	env.clock.Advance(MinSelfDestructTimer + time.Second)
	n, err := env.store.CleanupSelfDestructMessages(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	recs := env.topic(models.EventMessageDestructed)
	require.Len(t, recs, 1)
	assert.Contains(t, string(recs[0].Payload), `"tenantId":"acme"`)

	var pushed int
	for _, d := range env.push.Deliveries() {
		if d.Frame.Type == models.EventMessageDestructed {
			pushed++
			assert.Equal(t, "acme", d.Tenant, "pushed to %s", d.UserID)
		}
	}
	assert.Equal(t, 2, pushed, "sender and recipient")
}

func TestCleanupExpiredMessages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := env.store.SaveEncryptedMessage(ctx, env.envelope(t, "alice", "bob", ""))
		require.NoError(t, err)
	}

	n, err := env.store.CleanupExpiredMessages(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.clock.Advance(env.cfg.MessageRetention + time.Hour)
	n, err = env.store.CleanupExpiredMessages(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	page, err := env.store.GetMessagesByConversation(ctx, "c1", "", 0)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}
