package engine

import (
	"Deskwire/internal/model"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func confirmed(id int64, conv int64, sender int64, isAgent bool, content string, at time.Time) model.Message {
	return model.Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       sender,
		SenderIsAgent:  isAgent,
		Content:        content,
		CreatedAt:      at,
		MessageType:    model.MessageTypeText,
		ChatMode:       model.ChatModeHuman,
	}
}

func ids(msgs []model.Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestApplyInbound_SortedInsert(t *testing.T) {
	r := NewReconciler(1, true)

	r.ApplyInbound(confirmed(3, 10, 2, false, "third", testBase.Add(3*time.Second)))
	r.ApplyInbound(confirmed(1, 10, 2, false, "first", testBase.Add(1*time.Second)))
	r.ApplyInbound(confirmed(2, 10, 2, false, "second", testBase.Add(2*time.Second)))

	require.Equal(t, []int64{1, 2, 3}, ids(r.Messages(10)))
}

func TestApplyInbound_TiesBreakOnID(t *testing.T) {
	r := NewReconciler(1, true)
	at := testBase

	r.ApplyInbound(confirmed(5, 10, 2, false, "b", at))
	r.ApplyInbound(confirmed(4, 10, 2, false, "a", at))

	require.Equal(t, []int64{4, 5}, ids(r.Messages(10)))
}

func TestApplyInbound_Idempotent(t *testing.T) {
	r := NewReconciler(1, true)
	msg := confirmed(7, 10, 2, false, "hello", testBase)

	first := r.ApplyInbound(msg)
	require.Equal(t, ApplyAppended, first.Outcome)
	require.True(t, first.Changed)

	second := r.ApplyInbound(msg)
	require.Equal(t, ApplyMerged, second.Outcome)
	require.False(t, second.Changed)

	require.Equal(t, []int64{7}, ids(r.Messages(10)))
}

func TestApplyInbound_MergeNeverRegressesRead(t *testing.T) {
	r := NewReconciler(1, true)
	msg := confirmed(7, 10, 1, true, "hello", testBase)
	r.ApplyInbound(msg)

	readAt := testBase.Add(time.Minute)
	flipped := r.FlipReadOnOwn(10, []int64{7}, readAt)
	require.Equal(t, []int64{7}, flipped)

	// an older echo without the read flag must not clear it
	r.ApplyInbound(msg)

	seq := r.Messages(10)
	require.True(t, seq[0].IsRead)
	require.NotNil(t, seq[0].ReadAt)
	require.True(t, seq[0].ReadAt.Equal(readAt))
}

func TestApplyInbound_NewerReadAtWins(t *testing.T) {
	r := NewReconciler(1, true)
	r.ApplyInbound(confirmed(7, 10, 1, true, "hello", testBase))
	r.FlipReadOnOwn(10, []int64{7}, testBase.Add(time.Minute))

	newer := testBase.Add(2 * time.Minute)
	echo := confirmed(7, 10, 1, true, "hello", testBase)
	echo.IsRead = true
	echo.ReadAt = &newer
	res := r.ApplyInbound(echo)

	require.True(t, res.Changed)
	require.True(t, r.Messages(10)[0].ReadAt.Equal(newer))
}

func TestProvisionalResolution(t *testing.T) {
	r := NewReconciler(7, false)

	prov := model.Message{
		ID:             model.NewProvisionalID(),
		ConversationID: 10,
		SenderID:       7,
		SenderIsAgent:  false,
		Content:        "hi",
		CreatedAt:      testBase,
		MessageType:    model.MessageTypeText,
	}
	r.AppendProvisional(prov)
	require.True(t, r.HasProvisional(10))

	echo := confirmed(501, 10, 7, false, "hi", testBase.Add(time.Second))
	res := r.ApplyInbound(echo)
	require.Equal(t, ApplyConfirmedProvisional, res.Outcome)

	seq := r.Messages(10)
	require.Len(t, seq, 1)
	require.Equal(t, int64(501), seq[0].ID)
	require.Equal(t, "hi", seq[0].Content)
	require.False(t, r.HasProvisional(10))
}

func TestProvisionalResolution_RemovesAllProvisionals(t *testing.T) {
	r := NewReconciler(7, false)

	for i := 0; i < 3; i++ {
		r.AppendProvisional(model.Message{
			ID:             model.NewProvisionalID(),
			ConversationID: 10,
			SenderID:       7,
			Content:        "draft",
			CreatedAt:      testBase.Add(time.Duration(i) * time.Second),
		})
	}
	r.ApplyInbound(confirmed(501, 10, 7, false, "draft", testBase.Add(5*time.Second)))

	require.Equal(t, []int64{501}, ids(r.Messages(10)))
}

func TestApplyInbound_OtherSenderDoesNotResolveProvisionals(t *testing.T) {
	r := NewReconciler(7, false)

	prov := model.Message{
		ID:             model.NewProvisionalID(),
		ConversationID: 10,
		SenderID:       7,
		Content:        "mine",
		CreatedAt:      testBase,
	}
	r.AppendProvisional(prov)

	res := r.ApplyInbound(confirmed(42, 10, 99, true, "theirs", testBase.Add(time.Second)))
	require.Equal(t, ApplyAppended, res.Outcome)

	seq := r.Messages(10)
	require.Len(t, seq, 2)
	require.True(t, r.HasProvisional(10))
}

func TestDropProvisionals(t *testing.T) {
	r := NewReconciler(7, false)
	r.ApplyInbound(confirmed(1, 10, 99, true, "kept", testBase))
	r.AppendProvisional(model.Message{
		ID:             model.NewProvisionalID(),
		ConversationID: 10,
		SenderID:       7,
		Content:        "failed send",
		CreatedAt:      testBase.Add(time.Second),
	})

	dropped := r.DropProvisionals(10)
	require.Len(t, dropped, 1)
	require.Equal(t, []int64{1}, ids(r.Messages(10)))
	require.Empty(t, r.DropProvisionals(10))
}

func TestSetSequence_KeepsProvisionals(t *testing.T) {
	r := NewReconciler(7, false)
	prov := model.Message{
		ID:             model.NewProvisionalID(),
		ConversationID: 10,
		SenderID:       7,
		Content:        "pending",
		CreatedAt:      testBase.Add(time.Hour),
	}
	r.AppendProvisional(prov)

	r.SetSequence(10, []model.Message{
		confirmed(1, 10, 99, true, "a", testBase),
		confirmed(2, 10, 99, true, "b", testBase.Add(time.Second)),
	})

	seq := r.Messages(10)
	require.Equal(t, []int64{1, 2, prov.ID}, ids(seq))
}

func TestSetSequence_DropsDuplicateIDs(t *testing.T) {
	r := NewReconciler(7, false)
	r.SetSequence(10, []model.Message{
		confirmed(1, 10, 99, true, "a", testBase),
		confirmed(1, 10, 99, true, "a again", testBase),
		confirmed(2, 10, 99, true, "b", testBase.Add(time.Second)),
	})
	require.Equal(t, []int64{1, 2}, ids(r.Messages(10)))
}

func TestHasUnreadFromOther(t *testing.T) {
	r := NewReconciler(1, true) // agent viewer

	// own message never counts
	r.ApplyInbound(confirmed(1, 10, 1, true, "mine", testBase))
	require.False(t, r.HasUnreadFromOther(10, false))

	// system messages never affect unread accounting
	sys := confirmed(2, 10, 99, false, "visitor joined", testBase.Add(time.Second))
	sys.MessageType = model.MessageTypeSystem
	r.ApplyInbound(sys)
	require.False(t, r.HasUnreadFromOther(10, false))

	r.ApplyInbound(confirmed(3, 10, 99, false, "help", testBase.Add(2*time.Second)))
	require.True(t, r.HasUnreadFromOther(10, false))

	r.FlipReadOnOther(10, []int64{3}, testBase.Add(time.Minute))
	require.False(t, r.HasUnreadFromOther(10, false))
}

func TestHasUnreadFromOther_TestMode(t *testing.T) {
	r := NewReconciler(1, true)

	// a visitor-authored human message is not "the other party" in test mode
	r.ApplyInbound(confirmed(1, 10, 99, false, "human", testBase))
	require.False(t, r.HasUnreadFromOther(10, true))

	ai := confirmed(2, 10, 50, false, "ai reply", testBase.Add(time.Second))
	ai.ChatMode = model.ChatModeAI
	r.ApplyInbound(ai)
	require.True(t, r.HasUnreadFromOther(10, true))
}

func TestFlipReadOnOwn_OnlyTouchesOwnMessages(t *testing.T) {
	r := NewReconciler(1, true)
	r.ApplyInbound(confirmed(1, 10, 1, true, "agent msg", testBase))
	r.ApplyInbound(confirmed(2, 10, 99, false, "visitor msg", testBase.Add(time.Second)))

	flipped := r.FlipReadOnOwn(10, []int64{1, 2}, testBase.Add(time.Minute))
	require.Equal(t, []int64{1}, flipped)

	seq := r.Messages(10)
	require.True(t, seq[0].IsRead)
	require.False(t, seq[1].IsRead)
}

func TestProvisionalIDsAreDisjoint(t *testing.T) {
	id := model.NewProvisionalID()
	require.True(t, model.IsProvisionalID(id))
	require.False(t, model.IsProvisionalID(501))
}
