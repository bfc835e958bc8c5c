package push

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshreg/meshreg/pkg/executor"
	"github.com/meshreg/meshreg/pkg/model"
	"github.com/meshreg/meshreg/pkg/transport"
)

// fakePushClient records pushes and lets tests decide completion.
type fakePushClient struct {
	mu       sync.Mutex
	pushes   []*transport.PushObject
	pending  []transport.Callback
	autoAck  bool
	failWith error
}

func (f *fakePushClient) Push(obj *transport.PushObject, addr string, cb transport.Callback) {
	f.mu.Lock()
	f.pushes = append(f.pushes, obj)
	autoAck := f.autoAck
	failWith := f.failWith
	if !autoAck && failWith == nil {
		f.pending = append(f.pending, cb)
	}
	f.mu.Unlock()

	if failWith != nil {
		go cb.OnError(failWith)
	} else if autoAck {
		go cb.OnSuccess()
	}
}

func (f *fakePushClient) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes)
}

func (f *fakePushClient) completeOldest() {
	f.mu.Lock()
	cb := f.pending[0]
	f.pending = f.pending[1:]
	f.mu.Unlock()
	cb.OnSuccess()
}

func newTestProcessor(t *testing.T, client transport.PushClient) *Processor {
	t.Helper()
	p := NewProcessor(Config{
		RetryMax: 3,
		Expire:   20 * time.Millisecond,
		Executor: executor.Config{Workers: 2, QueueSize: 64},
	}, client, nil)
	t.Cleanup(p.Close)
	return p
}

func testSubscriber(registerID, source string) *model.Subscriber {
	return model.NewSubscriber(model.Registration{
		RegisterID: registerID,
		DataInfoID: model.NewDataInfoID("com.example.service", "g", "i"),
		ConnectID:  model.NewConnectID(source, "9.9.9.9:9600"),
	}, model.ScopeDataCenter, "")
}

func testDatum(version int64) *model.Datum {
	d := model.NewDatum("dc", model.NewDataInfoID("com.example.service", "g", "i"))
	d.Version = version
	d.Put(&model.PublisherEntry{RegisterID: "pub1", Version: 1, DataList: [][]byte{[]byte("v")}})
	return d
}

func TestFirePushDedupAndConflict(t *testing.T) {
	client := &fakePushClient{autoAck: true}
	p := newTestProcessor(t, client)

	sub := testSubscriber("S1", "1.1.1.1:100")
	subs := []*model.Subscriber{sub}

	a := NewTask("dc", sub.ConnectID.SourceAddr, subs, testDatum(1), 1, 0, 5, false)
	b := NewTask("dc", sub.ConnectID.SourceAddr, subs, testDatum(2), 2, 6, 10, false)
	c := NewTask("dc", sub.ConnectID.SourceAddr, subs, testDatum(3), 3, 3, 7, false)

	require.True(t, p.FirePush(a))
	require.True(t, p.FirePush(b), "strictly-after task must replace pending")
	require.False(t, p.FirePush(c), "overlapping task must be dropped")

	require.Equal(t, 1, p.PendingCount())

	// force the watchdog past the batching window
	time.Sleep(30 * time.Millisecond)
	p.tick()

	require.Eventually(t, func() bool { return client.pushCount() == 1 },
		time.Second, 5*time.Millisecond)

	client.mu.Lock()
	pushed := client.pushes[0]
	client.mu.Unlock()
	assert.Equal(t, int64(2), pushed.Version, "the committed task must be B")
	assert.Equal(t, 0, p.PendingCount())
}

func TestSingleInFlightPerAddr(t *testing.T) {
	client := &fakePushClient{}
	p := newTestProcessor(t, client)

	sub := testSubscriber("S1", "1.1.1.1:100")
	subs := []*model.Subscriber{sub}
	addr := sub.ConnectID.SourceAddr

	first := NewTask("dc", addr, subs, testDatum(1), 1, 0, 1, true)
	require.True(t, p.FirePush(first))
	p.tick()
	require.Eventually(t, func() bool { return client.pushCount() == 1 },
		time.Second, 5*time.Millisecond)
	require.NotNil(t, p.InFlight(addr))

	// strictly-after task arrives while the first is on the wire
	second := NewTask("dc", addr, subs, testDatum(2), 2, 2, 3, true)
	require.True(t, p.FirePush(second))
	p.tick()

	// the second commit hits the in-flight guard and requeues; nothing new
	// goes on the wire
	require.Eventually(t, func() bool { return p.PendingCount() == 1 },
		time.Second, 5*time.Millisecond)
	require.Equal(t, 1, client.pushCount())

	client.completeOldest()
	require.Eventually(t, func() bool { return p.InFlight(addr) == nil },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), sub.PushedVersion("dc"))

	// retry window elapses; the waiting task commits
	time.Sleep(30 * time.Millisecond)
	p.tick()
	require.Eventually(t, func() bool { return client.pushCount() == 2 },
		time.Second, 5*time.Millisecond)
	client.completeOldest()
	require.Eventually(t, func() bool { return sub.PushedVersion("dc") == 2 },
		time.Second, 5*time.Millisecond)
}

func TestPushVersionMonotonic(t *testing.T) {
	client := &fakePushClient{autoAck: true}
	p := newTestProcessor(t, client)

	sub := testSubscriber("S1", "1.1.1.1:100")
	subs := []*model.Subscriber{sub}
	addr := sub.ConnectID.SourceAddr

	newer := NewTask("dc", addr, subs, testDatum(10), 10, 10, 11, true)
	require.True(t, p.FirePush(newer))
	p.tick()
	require.Eventually(t, func() bool { return sub.PushedVersion("dc") == 10 },
		time.Second, 5*time.Millisecond)

	// a stale task fired later is refused by the subscriber's own check
	stale := NewTask("dc", addr, subs, testDatum(5), 5, 2, 3, true)
	p.FirePush(stale)
	p.tick()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(10), sub.PushedVersion("dc"),
		"observed pushVersion must never decrease")
}

func TestRetryExhaustion(t *testing.T) {
	client := &fakePushClient{failWith: errors.New("connection reset")}
	p := newTestProcessor(t, client)

	sub := testSubscriber("S1", "1.1.1.1:100")
	addr := sub.ConnectID.SourceAddr
	task := NewTask("dc", addr, []*model.Subscriber{sub}, testDatum(1), 1, 0, 1, true)

	require.True(t, p.FirePush(task))

	// initial attempt plus RetryMax retries, then the task is dropped
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p.tick()
		if client.pushCount() >= 4 && p.PendingCount() == 0 {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return client.pushCount() == 4 },
		time.Second, 10*time.Millisecond, "1 attempt + 3 retries")
	p.tick()
	time.Sleep(50 * time.Millisecond)
	p.tick()
	assert.Equal(t, 4, client.pushCount(), "no retries past the bound")
	assert.Equal(t, 0, p.PendingCount())
	assert.Nil(t, p.InFlight(addr))
}

func TestStopPushDropsTasks(t *testing.T) {
	client := &fakePushClient{autoAck: true}
	p := newTestProcessor(t, client)
	p.SetStopPush(true)

	sub := testSubscriber("S1", "1.1.1.1:100")
	task := NewTask("dc", sub.ConnectID.SourceAddr, []*model.Subscriber{sub}, testDatum(1), 1, 0, 1, true)
	p.FirePush(task)
	p.tick()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, client.pushCount(), "stop-push must suppress delivery")

	p.SetStopPush(false)
	assert.False(t, p.StopPushEnabled())
}

func TestExpireInheritedOnReplacement(t *testing.T) {
	client := &fakePushClient{autoAck: true}
	p := newTestProcessor(t, client)

	sub := testSubscriber("S1", "1.1.1.1:100")
	subs := []*model.Subscriber{sub}
	addr := sub.ConnectID.SourceAddr

	first := NewTask("dc", addr, subs, testDatum(1), 1, 0, 1, false)
	require.True(t, p.FirePush(first))
	firstExpire := first.expireAt

	second := NewTask("dc", addr, subs, testDatum(2), 2, 2, 3, false)
	require.True(t, p.FirePush(second))
	assert.Equal(t, firstExpire, second.expireAt,
		"replacement must inherit the displaced task's expiry")
}
