package router

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kdappio/kdapp/engine"
	"github.com/kdappio/kdapp/tlv"
)

type recordingSender struct {
	events []engine.EngineMsg
}

func (r *recordingSender) Send(msg engine.EngineMsg) { r.events = append(r.events, msg) }

func newTestRouter(t *testing.T, sender EngineSender) (*Router, *net.UDPConn, string) {
	t.Helper()
	r := New(sender, nil, nil)
	udpAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	conn, err := net.ListenUDP("udp", udpAddr)
	require.NoError(t, err)
	r.conn = conn
	return r, conn, conn.LocalAddr().String()
}

func handshakeAndGetKey(t *testing.T, r *Router, client *net.UDPConn, serverAddr *net.UDPAddr, key []byte) {
	t.Helper()
	hs := &tlv.Message{Version: tlv.Version, Type: tlv.MsgHandshake, Payload: key}
	_, err := client.WriteToUDP(hs.Encode(), serverAddr)
	require.NoError(t, err)

	buf := make([]byte, 4096)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := client.ReadFromUDP(buf)
	require.NoError(t, err)
	_, err = tlv.Decode(buf[:n])
	require.NoError(t, err)
}

// TestRouterReplayIsIdempotent mirrors Scenario C: New(seq=0), Cmd(seq=1),
// retransmit Cmd(seq=1). The engine must see exactly two events and the
// retransmit must receive the cached ack rather than a second dispatch.
func TestRouterReplayIsIdempotent(t *testing.T) {
	sender := &recordingSender{}
	r, serverConn, serverAddrStr := newTestRouter(t, sender)
	defer serverConn.Close()
	serverAddr, err := net.ResolveUDPAddr("udp", serverAddrStr)
	require.NoError(t, err)

	clientConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer clientConn.Close()

	go func() {
		buf := make([]byte, 64*1024)
		for i := 0; i < 4; i++ {
			serverConn.SetReadDeadline(time.Now().Add(2 * time.Second))
			n, src, err := serverConn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			r.handleDatagram(append([]byte(nil), buf[:n]...), src)
		}
	}()

	key := []byte("router-test-key")
	handshakeAndGetKey(t, r, clientConn, serverAddr, key)

	send := func(msg *tlv.Message) *tlv.Message {
		msg.Sign(key)
		_, err := clientConn.WriteToUDP(msg.Encode(), serverAddr)
		require.NoError(t, err)
		buf := make([]byte, 4096)
		require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(2*time.Second)))
		n, _, err := clientConn.ReadFromUDP(buf)
		require.NoError(t, err)
		ack, err := tlv.Decode(buf[:n])
		require.NoError(t, err)
		return ack
	}

	newMsg := &tlv.Message{Version: tlv.Version, Type: tlv.MsgNew, EpisodeId: 1, Seq: 0}
	ack1 := send(newMsg)
	require.Equal(t, tlv.MsgAck, ack1.Type)

	cmd := &tlv.Message{Version: tlv.Version, Type: tlv.MsgCmd, EpisodeId: 1, Seq: 1, Payload: []byte("cmd-1")}
	ack2 := send(cmd)
	require.Equal(t, tlv.MsgAck, ack2.Type)

	retransmit := &tlv.Message{Version: tlv.Version, Type: tlv.MsgCmd, EpisodeId: 1, Seq: 1, Payload: []byte("cmd-1")}
	ack3 := send(retransmit)
	require.Equal(t, ack2.Auth, ack3.Auth)

	time.Sleep(50 * time.Millisecond)
	require.Len(t, sender.events, 2)
}

// TestRouterRejectsOutOfOrder mirrors Scenario D: New(ep=2, seq=0), then
// Cmd(ep=2, seq=2) skipping seq 1. The engine must see only the NewEpisode.
func TestRouterRejectsOutOfOrder(t *testing.T) {
	sender := &recordingSender{}
	r, serverConn, serverAddrStr := newTestRouter(t, sender)
	defer serverConn.Close()
	serverAddr, err := net.ResolveUDPAddr("udp", serverAddrStr)
	require.NoError(t, err)

	clientConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer clientConn.Close()

	go func() {
		buf := make([]byte, 64*1024)
		for i := 0; i < 3; i++ {
			serverConn.SetReadDeadline(time.Now().Add(2 * time.Second))
			n, src, err := serverConn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			r.handleDatagram(append([]byte(nil), buf[:n]...), src)
		}
	}()

	key := []byte("router-test-key-2")
	handshakeAndGetKey(t, r, clientConn, serverAddr, key)

	newMsg := &tlv.Message{Version: tlv.Version, Type: tlv.MsgNew, EpisodeId: 2, Seq: 0}
	newMsg.Sign(key)
	_, err = clientConn.WriteToUDP(newMsg.Encode(), serverAddr)
	require.NoError(t, err)
	buf := make([]byte, 4096)
	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = clientConn.ReadFromUDP(buf)
	require.NoError(t, err)

	skip := &tlv.Message{Version: tlv.Version, Type: tlv.MsgCmd, EpisodeId: 2, Seq: 2, Payload: []byte("skip")}
	skip.Sign(key)
	_, err = clientConn.WriteToUDP(skip.Encode(), serverAddr)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	require.Len(t, sender.events, 1)
}
