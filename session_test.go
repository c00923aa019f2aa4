package capnweb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collectingSender struct {
	messages []Message
}

func (c *collectingSender) Send(m Message) error {
	c.messages = append(c.messages, m)
	return nil
}

func newUserTarget() RpcTarget {
	users := map[string]map[string]Value{
		"cookie-123": {"id": "u_1", "name": "Ada"},
	}
	profiles := map[string]Value{"u_1": map[string]Value{"id": "u_1", "bio": "Mathematician"}}
	notifications := map[string]Value{"u_1": []Value{"n1", "n2"}}

	target := NewBaseRpcTarget()
	target.Method("authenticate", func(args []Value) (Value, error) {
		token, _ := args[0].(string)
		user, ok := users[token]
		if !ok {
			return nil, &RpcError{Kind: KindNotFound, Message: "invalid session"}
		}
		return user, nil
	})
	target.Method("getUserProfile", func(args []Value) (Value, error) {
		id, _ := args[0].(string)
		return profiles[id], nil
	})
	target.Method("getNotifications", func(args []Value) (Value, error) {
		id, _ := args[0].(string)
		return notifications[id], nil
	})
	return target
}

func feedLine(t *testing.T, s *Session, line string) {
	t.Helper()
	msg, err := DecodeMessage(line)
	require.Nil(t, err)
	require.NoError(t, s.HandleMessage(msg))
}

func TestSessionPipelinedAuthenticationChain(t *testing.T) {
	sender := &collectingSender{}
	session := NewSession(newUserTarget(), sender)

	feedLine(t, session, `["push",["pipeline",0,["authenticate"],[["cookie-123"]]]]`)
	feedLine(t, session, `["push",["pipeline",1,["getUserProfile"],[["pipeline",1,["id"]]]]]`)
	feedLine(t, session, `["push",["pipeline",1,["getNotifications"],[["pipeline",1,["id"]]]]]`)
	feedLine(t, session, `["pull",1]`)
	feedLine(t, session, `["pull",2]`)
	feedLine(t, session, `["pull",3]`)

	require.Len(t, sender.messages, 3)

	r1, ok := sender.messages[0].(ResolveMessage)
	require.True(t, ok)
	assert.Equal(t, ImportID(1), r1.ID)

	r2, ok := sender.messages[1].(ResolveMessage)
	require.True(t, ok)
	assert.Equal(t, ImportID(2), r2.ID)
	obj2, ok := r2.Value.(ObjectExpr)
	require.True(t, ok)
	nameLit, ok := obj2.Fields["bio"].(Literal)
	require.True(t, ok)
	assert.Equal(t, "Mathematician", nameLit.Value)

	r3, ok := sender.messages[2].(ResolveMessage)
	require.True(t, ok)
	assert.Equal(t, ImportID(3), r3.ID)
}

type capabilityHolder struct {
	*BaseRpcTarget
}

func TestSessionReleaseSemantics(t *testing.T) {
	main := NewBaseRpcTarget()
	capTarget := &capabilityHolder{BaseRpcTarget: NewBaseRpcTarget()}
	capTarget.Method("ping", func([]Value) (Value, error) { return "pong", nil })
	main.Method("getCap", func([]Value) (Value, error) { return Stub{Target: capTarget}, nil })

	sender := &collectingSender{}
	session := NewSession(main, sender)

	feedLine(t, session, `["push",["pipeline",0,["getCap"],[]]]`)
	feedLine(t, session, `["pull",1]`)

	require.Len(t, sender.messages, 1)
	resolve, ok := sender.messages[0].(ResolveMessage)
	require.True(t, ok)
	exportExpr, ok := resolve.Value.(ExportExpr)
	require.True(t, ok)

	entry, ok := session.exports.Get(exportExpr.ID)
	require.True(t, ok)
	assert.Equal(t, 1, entry.RefCount)

	require.NoError(t, session.HandleMessage(ReleaseMessage{ID: ImportID(exportExpr.ID), RefCount: 1}))
	_, ok = session.exports.Get(exportExpr.ID)
	assert.False(t, ok)

	require.NoError(t, session.HandleMessage(ReleaseMessage{ID: ImportID(exportExpr.ID), RefCount: 1}))
}

func TestSessionAbortPropagation(t *testing.T) {
	sender := &collectingSender{}
	session := NewSession(NewBaseRpcTarget(), sender)

	p7 := session.imports.Insert(7)
	p8 := session.imports.Insert(8)

	abort, err := DecodeMessage(`["abort",["error","Canceled","link dropped"]]`)
	require.Nil(t, err)
	require.NoError(t, session.HandleMessage(abort))

	_, _, err7 := p7.Settled()
	_, _, err8 := p8.Settled()
	require.NotNil(t, err7)
	require.NotNil(t, err8)
	assert.Equal(t, KindCanceled, err7.Kind)
	assert.Equal(t, "link dropped", err7.Message)
	assert.Equal(t, KindCanceled, err8.Kind)

	afterAbort, _ := DecodeMessage(`["pull",1]`)
	assert.Error(t, session.HandleMessage(afterAbort))
}

// TestSessionPullPipelinesOnPendingImport drives a push whose expression
// depends on an import that is still unresolved when the push arrives,
// proving the pipeline scheduler is wired into the live HandleMessage path
// rather than only exercised by scheduler_test.go's unit tests.
func TestSessionPullPipelinesOnPendingImport(t *testing.T) {
	sender := &collectingSender{}
	session := NewSession(NewBaseRpcTarget(), sender)

	dep := session.imports.Insert(50)

	feedLine(t, session, `["push",["pipeline",50,["name"]]]`)
	assert.Equal(t, 1, session.scheduler.Pending(50), "push should have queued a continuation awaiting import 50")

	feedLine(t, session, `["pull",1]`)
	assert.Empty(t, sender.messages, "pull of a still-pending push result must not resolve yet")

	dep.Resolve(map[string]Value{"name": "Bob"})

	require.Len(t, sender.messages, 1)
	resolve, ok := sender.messages[0].(ResolveMessage)
	require.True(t, ok)
	assert.Equal(t, ImportID(1), resolve.ID)
	lit, ok := resolve.Value.(Literal)
	require.True(t, ok)
	assert.Equal(t, "Bob", lit.Value)
}
