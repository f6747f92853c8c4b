package relay

import (
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"courier/internal/models"
	"courier/internal/wire"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitAsleep(t *testing.T, conn *Connection) {
	t.Helper()
	require.Eventually(t, func() bool {
		return conn.State() == models.StateAsleep
	}, 2*time.Second, 5*time.Millisecond, "connection %s never went to sleep", conn.Username())
}

func TestConnection_DirectMessage(t *testing.T) {
	dir := NewDirectory(DirectoryConfig{})
	_, alice := register(t, dir, "alice")
	_, bob := register(t, dir, "bob")

	alice.in <- "bob:::1700000000000:::hello"

	expectFrame(t, alice, warning("Message delivered to bob"))
	expectFrame(t, bob, "alice:::1700000000000:::hello")
}

func TestConnection_PayloadKeepsDelimiter(t *testing.T) {
	dir := NewDirectory(DirectoryConfig{})
	_, alice := register(t, dir, "alice")
	_, bob := register(t, dir, "bob")

	alice.in <- "bob:::1:::a:::b"

	expectFrame(t, alice, warning("Message delivered to bob"))
	expectFrame(t, bob, "alice:::1:::a:::b")
}

func TestConnection_UnknownRecipient(t *testing.T) {
	dir := NewDirectory(DirectoryConfig{})
	_, alice := register(t, dir, "alice")

	alice.in <- "carol:::1:::hi"

	expectFrame(t, alice, warning("carol does not exist!"))
	expectNoFrame(t, alice)
}

func TestConnection_OfflineDelivery(t *testing.T) {
	dir := NewDirectory(DirectoryConfig{})
	_, alice := register(t, dir, "alice")
	bobConn, bob := register(t, dir, "bob")

	require.NoError(t, bob.Close())
	waitAsleep(t, bobConn)

	alice.in <- "bob:::1:::first"
	expectFrame(t, alice, warning("bob is offline and will get your message when they wake up."))
	alice.in <- "bob:::2:::second"
	expectFrame(t, alice, warning("bob is offline and will get your message when they wake up."))
	assert.Equal(t, 2, bobConn.Queued())

	bob2 := newMockTransport()
	conn, woken, err := dir.Reconnect("bob", bob2)
	require.NoError(t, err)
	assert.True(t, woken)
	assert.Same(t, bobConn, conn)

	expectFrame(t, bob2, "alice:::1:::first")
	expectFrame(t, bob2, "alice:::2:::second")
	require.Eventually(t, func() bool { return bobConn.Queued() == 0 }, time.Second, 5*time.Millisecond)
}

func TestConnection_PerSenderOrder(t *testing.T) {
	dir := NewDirectory(DirectoryConfig{})
	_, alice := register(t, dir, "alice")
	_, bob := register(t, dir, "bob")

	for i := range 5 {
		alice.in <- wire.Format(wire.Direct{Recipient: "bob", Timestamp: int64(i), Payload: "m"})
	}

	for i := range 5 {
		expectFrame(t, alice, warning("Message delivered to bob"))
		expectFrame(t, bob, wire.Format(wire.Delivered{Sender: "alice", Timestamp: int64(i), Payload: "m"}))
	}
}

func TestConnection_WriteFailureKeepsMessage(t *testing.T) {
	dir := NewDirectory(DirectoryConfig{})
	_, alice := register(t, dir, "alice")
	bobConn, bob := register(t, dir, "bob")

	bob.failWrites.Store(true)
	alice.in <- "bob:::7:::kept"

	// Bob was awake when the message was queued.
	expectFrame(t, alice, warning("Message delivered to bob"))
	waitAsleep(t, bobConn)
	assert.True(t, bob.isClosed())
	assert.Equal(t, 1, bobConn.Queued())

	bob2 := newMockTransport()
	_, woken, err := dir.Reconnect("bob", bob2)
	require.NoError(t, err)
	require.True(t, woken)
	expectFrame(t, bob2, "alice:::7:::kept")
}

func TestConnection_OversizedMessageDropped(t *testing.T) {
	dir := NewDirectory(DirectoryConfig{})
	_, alice := register(t, dir, "alice")
	_, bob := register(t, dir, "bob")

	// Fits in alice's frame but not once prefixed with the sender name.
	payload := strings.Repeat("x", wire.MaxFrameSize-len("bob:::1:::"))
	alice.in <- "bob:::1:::" + payload
	expectFrame(t, alice, warning("Message delivered to bob"))

	alice.in <- "bob:::2:::after"
	expectFrame(t, alice, warning("Message delivered to bob"))
	expectFrame(t, bob, "alice:::2:::after")
}

func TestConnection_Malformed(t *testing.T) {
	dir := NewDirectory(DirectoryConfig{})
	_, alice := register(t, dir, "alice")
	_, bob := register(t, dir, "bob")

	alice.in <- "bob"
	expectFrame(t, alice, warning(wire.TextMalformed))
	alice.in <- "bob:::soon:::hi"
	expectFrame(t, alice, warning(wire.TextMalformed))

	alice.in <- "bob:::3:::still here"
	expectFrame(t, alice, warning("Message delivered to bob"))
	expectFrame(t, bob, "alice:::3:::still here")
}

func TestConnection_Closing(t *testing.T) {
	rec := &mockRecorder{calls: make(chan delayCall, 1)}
	dir := NewDirectory(DirectoryConfig{Delays: rec})
	aliceConn, alice := register(t, dir, "alice")

	alice.in <- "closing:::12:::7:::"

	select {
	case call := <-rec.calls:
		assert.Equal(t, "alice", call.username)
		assert.Equal(t, []int64{12, 7}, call.samples)
	case <-time.After(2 * time.Second):
		t.Fatal("delays were not recorded")
	}

	waitAsleep(t, aliceConn)
	assert.True(t, alice.isClosed())

	conn, ok := dir.Lookup("alice")
	require.True(t, ok, "a closed connection stays registered")
	assert.Same(t, aliceConn, conn)
}

func TestConnection_Rename(t *testing.T) {
	dir := NewDirectory(DirectoryConfig{})
	aliceConn, alice := register(t, dir, "alice")
	_, bob := register(t, dir, "bob")

	t.Run("taken", func(t *testing.T) {
		alice.in <- "username:::alice:::bob"
		expectFrame(t, alice, warning(wire.TextUsernameTaken))
	})

	t.Run("not own name", func(t *testing.T) {
		alice.in <- "username:::bob:::robert"
		expectFrame(t, alice, warning(wire.TextInvalidUsername))
		_, ok := dir.Lookup("robert")
		assert.False(t, ok)
	})

	t.Run("reserved", func(t *testing.T) {
		alice.in <- "username:::alice:::warning"
		expectFrame(t, alice, warning(wire.TextInvalidUsername))
	})

	t.Run("ok", func(t *testing.T) {
		alice.in <- "username:::alice:::alicia"
		expectFrame(t, alice, warning(wire.TextRenamed))

		conn, ok := dir.Lookup("alicia")
		require.True(t, ok)
		assert.Same(t, aliceConn, conn)
		_, ok = dir.Lookup("alice")
		assert.False(t, ok)

		bob.in <- "alicia:::4:::hi"
		expectFrame(t, bob, warning("Message delivered to alicia"))
		expectFrame(t, alice, "bob:::4:::hi")

		alice.in <- "bob:::5:::from alicia"
		expectFrame(t, alice, warning("Message delivered to bob"))
		expectFrame(t, bob, "alicia:::5:::from alicia")
	})
}

func TestConnection_Robot(t *testing.T) {
	dir := NewDirectory(DirectoryConfig{})
	_, alice := register(t, dir, "alice")

	t.Run("no other users", func(t *testing.T) {
		alice.in <- "robotuser:::9:::beep"
		expectFrame(t, alice, warning(wire.TextNoOtherUsers))
		expectNoFrame(t, alice)
	})

	t.Run("never the sender", func(t *testing.T) {
		_, bob := register(t, dir, "bob")
		_, carol := register(t, dir, "carol")

		const n = 30
		go func() {
			for i := range n {
				alice.in <- wire.Format(wire.Robot{Timestamp: int64(i), Payload: "beep"})
			}
		}()

		got := map[string]int{}
		for range n {
			select {
			case reply := <-alice.out:
				switch reply {
				case warning("Message delivered to bob"):
					got["bob"]++
				case warning("Message delivered to carol"):
					got["carol"]++
				default:
					t.Fatalf("unexpected frame for sender %q", reply)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("timeout waiting for robot reply")
			}
		}
		assert.Equal(t, n, got["bob"]+got["carol"])

		for range got["bob"] {
			select {
			case <-bob.out:
			case <-time.After(2 * time.Second):
				t.Fatal("bob is missing a robot message")
			}
		}
		for range got["carol"] {
			select {
			case <-carol.out:
			case <-time.After(2 * time.Second):
				t.Fatal("carol is missing a robot message")
			}
		}
		expectNoFrame(t, alice)
	})
}

func TestConnection_UnreadableFrameKeepsSession(t *testing.T) {
	dir := NewDirectory(DirectoryConfig{})
	aliceConn, alice := register(t, dir, "alice")
	_, bob := register(t, dir, "bob")

	alice.inErr <- fmt.Errorf("%w: payload is not valid UTF-8", wire.ErrMalformedFrame)
	expectFrame(t, alice, warning(wire.TextMalformed))
	assert.Equal(t, models.StateAwake, aliceConn.State())

	alice.in <- "bob:::1:::still awake"
	expectFrame(t, alice, warning("Message delivered to bob"))
	expectFrame(t, bob, "alice:::1:::still awake")
}

func TestConnection_StalledReaderGoesToSleep(t *testing.T) {
	dir := NewDirectory(DirectoryConfig{})
	_, alice := register(t, dir, "alice")

	server, peer := net.Pipe()
	defer func() { _ = peer.Close() }()
	bobConn, err := dir.Register("bob", wire.NewConn(server).WithWriteTimeout(50*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		bobConn.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// bob's peer never reads, so the write times out.
	alice.in <- "bob:::1:::are you there"
	expectFrame(t, alice, warning("Message delivered to bob"))
	waitAsleep(t, bobConn)
	assert.Equal(t, 1, bobConn.Queued())

	bob2 := newMockTransport()
	_, woken, err := dir.Reconnect("bob", bob2)
	require.NoError(t, err)
	require.True(t, woken)
	expectFrame(t, bob2, "alice:::1:::are you there")
}
