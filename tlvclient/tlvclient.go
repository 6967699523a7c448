// Package tlvclient implements the TLV sending side: send-with-retry
// against a router, and a persistent per-destination sequence counter so a
// restarted client resumes numbering instead of colliding with a router
// that already has a higher last-seen seq.
package tlvclient

import (
	"fmt"
	"net"
	"time"

	"github.com/cockroachdb/pebble"

	ilog "github.com/kdappio/kdapp/internal/log"
	"github.com/kdappio/kdapp/tlv"
)

// InitialTimeout is the first retry's read deadline; it doubles on each
// subsequent attempt.
const InitialTimeout = 300 * time.Millisecond

// MaxAttempts bounds how many times Client.Send retries before giving up.
const MaxAttempts = 3

// Client sends TLV messages to one or more router destinations, retrying
// on ack timeout and persisting the next sequence number per destination
// across restarts.
type Client struct {
	key  []byte
	conn *net.UDPConn
	seqs *pebble.DB
}

// New opens (creating if absent) a pebble database at seqStorePath to track
// per-destination sequence counters, and binds an ephemeral UDP socket for
// sending.
func New(key []byte, seqStorePath string) (*Client, error) {
	db, err := pebble.Open(seqStorePath, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("tlvclient: opening sequence store at %s: %w", seqStorePath, err)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("tlvclient: binding sender socket: %w", err)
	}
	return &Client{key: key, conn: conn, seqs: db}, nil
}

// Close releases the socket and sequence store.
func (c *Client) Close() error {
	c.conn.Close()
	return c.seqs.Close()
}

func seqKey(dest string, episodeID uint64) []byte {
	return []byte(fmt.Sprintf("seq/%s/%d", dest, episodeID))
}

// NextSeq returns the next sequence number to use for (dest, episodeID),
// starting at 0 for a destination/episode never seen before.
func (c *Client) NextSeq(dest string, episodeID uint64) (uint64, error) {
	value, closer, err := c.seqs.Get(seqKey(dest, episodeID))
	switch err {
	case nil:
		defer closer.Close()
		return decodeSeq(value) + 1, nil
	case pebble.ErrNotFound:
		return 0, nil
	default:
		return 0, fmt.Errorf("tlvclient: reading sequence store: %w", err)
	}
}

// recordSeq persists seq as the last sequence sent to (dest, episodeID).
func (c *Client) recordSeq(dest string, episodeID uint64, seq uint64) error {
	return c.seqs.Set(seqKey(dest, episodeID), encodeSeq(seq), pebble.Sync)
}

func encodeSeq(seq uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(seq >> (8 * i))
	}
	return b
}

func decodeSeq(b []byte) uint64 {
	var seq uint64
	for i := 0; i < 8 && i < len(b); i++ {
		seq |= uint64(b[i]) << (8 * i)
	}
	return seq
}

// Send transmits msg to dest, retrying with a doubling timeout
// (InitialTimeout, then x2, x4) up to MaxAttempts times, and returns the
// matching ack. It signs msg with the client's key before sending. On
// success, it records msg.Seq as the last sequence sent for
// (dest, msg.EpisodeId).
func (c *Client) Send(dest string, msg *tlv.Message) (*tlv.Message, error) {
	msg.Sign(c.key)
	raw := msg.Encode()

	expected := tlv.MsgAck
	if msg.Type == tlv.MsgClose {
		expected = tlv.MsgAckClose
	}

	destAddr, err := net.ResolveUDPAddr("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("tlvclient: resolving %s: %w", dest, err)
	}

	timeout := InitialTimeout
	buf := make([]byte, 4096)
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		if _, err := c.conn.WriteToUDP(raw, destAddr); err != nil {
			return nil, fmt.Errorf("tlvclient: sending to %s: %w", dest, err)
		}
		c.conn.SetReadDeadline(time.Now().Add(timeout))
		n, _, err := c.conn.ReadFromUDP(buf)
		if err == nil {
			if ack, decodeErr := tlv.Decode(buf[:n]); decodeErr == nil &&
				ack.Type == expected && ack.EpisodeId == msg.EpisodeId && ack.Seq == msg.Seq &&
				ack.Verify(c.key) {
				if recErr := c.recordSeq(dest, msg.EpisodeId, msg.Seq); recErr != nil {
					ilog.Debug("tlvclient: failed recording sent sequence", "dest", dest, "err", recErr)
				}
				return ack, nil
			}
		}
		timeout *= 2
		if attempt < MaxAttempts-1 {
			ilog.Debug("tlvclient: ack timeout, retrying", "dest", dest, "episode_id", msg.EpisodeId, "seq", msg.Seq, "attempt", attempt+2)
		}
	}
	return nil, fmt.Errorf("tlvclient: no ack for episode %d seq %d after %d attempts", msg.EpisodeId, msg.Seq, MaxAttempts)
}
