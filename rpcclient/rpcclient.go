// Package rpcclient implements chain.NodeClient over a JSON-RPC-over-
// websocket connection to a node, the transport the proxy polls through.
// No vendor SDK for the target node was available to build against, so
// this speaks a minimal id-correlated request/response protocol on top of
// a real websocket dependency rather than inventing a fake client package
// behind a replace directive.
package rpcclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kdappio/kdapp/chain"
	ilog "github.com/kdappio/kdapp/internal/log"
)

// DialTimeout bounds the initial websocket handshake.
const DialTimeout = 10 * time.Second

type request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("rpcclient: node error %d: %s", e.Code, e.Message) }

// Client is a single websocket connection to one node, multiplexing
// concurrent calls by request id.
type Client struct {
	conn   *websocket.Conn
	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan response
	closed  chan struct{}
}

// Dial connects to url and starts the read loop.
func Dial(url string) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: DialTimeout}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: dialing %s: %w", url, err)
	}
	c := &Client{
		conn:    conn,
		pending: make(map[uint64]chan response),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close terminates the connection and fails any in-flight calls.
func (c *Client) Close() error {
	select {
	case <-c.closed:
		return nil
	default:
		close(c.closed)
	}
	return c.conn.Close()
}

func (c *Client) readLoop() {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			ilog.Warn("rpcclient: read loop ending", "err", err)
			c.failAllPending(err)
			return
		}
		var resp response
		if err := json.Unmarshal(raw, &resp); err != nil {
			ilog.Debug("rpcclient: dropping undecodable frame", "err", err)
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (c *Client) failAllPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		ch <- response{ID: id, Error: &rpcError{Message: err.Error()}}
		delete(c.pending, id)
	}
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	encodedParams, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("rpcclient: encoding params for %s: %w", method, err)
	}
	id := c.nextID.Add(1)
	req := request{ID: id, Method: method, Params: encodedParams}

	respCh := make(chan response, 1)
	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()

	encoded, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("rpcclient: encoding request %s: %w", method, err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, encoded); err != nil {
		return fmt.Errorf("rpcclient: writing %s: %w", method, err)
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return resp.Error
		}
		if result == nil {
			return nil
		}
		return json.Unmarshal(resp.Result, result)
	case <-ctx.Done():
		return ctx.Err()
	}
}

type hashJSON [chain.HashSize]byte

type blockJSON struct {
	Hash         hashJSON `json:"hash"`
	DaaScore     uint64   `json:"daa_score"`
	Timestamp    uint64   `json:"timestamp"`
	Transactions []txJSON `json:"transactions,omitempty"`
}

type txJSON struct {
	TxID    hashJSON     `json:"tx_id"`
	Payload []byte       `json:"payload"`
	Outputs []outputJSON `json:"outputs,omitempty"`
	Status  *statusJSON  `json:"status,omitempty"`
}

type outputJSON struct {
	Value         uint64 `json:"value"`
	ScriptVersion uint16 `json:"script_version"`
	ScriptPubKey  []byte `json:"script_public_key"`
}

type statusJSON struct {
	AcceptanceHeight *uint64 `json:"acceptance_height,omitempty"`
	Confirmations    *uint64 `json:"confirmations,omitempty"`
	Finality         *bool   `json:"finality,omitempty"`
}

type virtualChainJSON struct {
	RemovedChainBlockHashes []hashJSON  `json:"removed_chain_block_hashes"`
	AddedChainBlocks        []blockJSON `json:"added_chain_blocks"`
}

func (b blockJSON) toChain() chain.AcceptedBlock {
	txs := make([]chain.AcceptedTransaction, len(b.Transactions))
	for i, tx := range b.Transactions {
		txs[i] = tx.toChain()
	}
	return chain.AcceptedBlock{
		Hash:         chain.Hash(b.Hash),
		DaaScore:     b.DaaScore,
		Timestamp:    b.Timestamp,
		Transactions: txs,
	}
}

func (tx txJSON) toChain() chain.AcceptedTransaction {
	var outputs []chain.TransactionOutput
	if tx.Outputs != nil {
		outputs = make([]chain.TransactionOutput, len(tx.Outputs))
		for i, o := range tx.Outputs {
			outputs[i] = chain.TransactionOutput{
				Value:           o.Value,
				ScriptPublicKey: chain.ScriptPublicKey{Version: o.ScriptVersion, Script: o.ScriptPubKey},
			}
		}
	}
	var status *chain.TxStatus
	if tx.Status != nil {
		status = &chain.TxStatus{
			AcceptanceHeight: tx.Status.AcceptanceHeight,
			Confirmations:    tx.Status.Confirmations,
			Finality:         tx.Status.Finality,
		}
	}
	return chain.AcceptedTransaction{
		TxID:    chain.Hash(tx.TxID),
		Payload: tx.Payload,
		Outputs: outputs,
		Status:  status,
	}
}

// GetVirtualChainFromBlock satisfies chain.NodeClient.
func (c *Client) GetVirtualChainFromBlock(ctx context.Context, startHash chain.Hash, includeTransactions bool) (chain.VirtualChainChanges, error) {
	params := map[string]any{
		"start_hash":           startHash,
		"include_transactions": includeTransactions,
	}
	var result virtualChainJSON
	if err := c.call(ctx, "getVirtualChainFromBlock", params, &result); err != nil {
		return chain.VirtualChainChanges{}, err
	}
	removed := make([]chain.Hash, len(result.RemovedChainBlockHashes))
	for i, h := range result.RemovedChainBlockHashes {
		removed[i] = chain.Hash(h)
	}
	added := make([]chain.AcceptedBlock, len(result.AddedChainBlocks))
	for i, b := range result.AddedChainBlocks {
		added[i] = b.toChain()
	}
	return chain.VirtualChainChanges{RemovedChainBlockHashes: removed, AddedChainBlocks: added}, nil
}

// GetBlock satisfies chain.NodeClient.
func (c *Client) GetBlock(ctx context.Context, hash chain.Hash, includeTransactions bool) (chain.AcceptedBlock, error) {
	params := map[string]any{"hash": hash, "include_transactions": includeTransactions}
	var result blockJSON
	if err := c.call(ctx, "getBlock", params, &result); err != nil {
		return chain.AcceptedBlock{}, err
	}
	return result.toChain(), nil
}

// SubmitTransaction satisfies chain.NodeClient.
func (c *Client) SubmitTransaction(ctx context.Context, tx *chain.Transaction) (chain.Hash, error) {
	var result struct {
		TxID hashJSON `json:"tx_id"`
	}
	if err := c.call(ctx, "submitTransaction", tx, &result); err != nil {
		return chain.Hash{}, err
	}
	return chain.Hash(result.TxID), nil
}

type utxoJSON struct {
	Outpoint struct {
		TransactionID hashJSON `json:"transaction_id"`
		Index         uint32   `json:"index"`
	} `json:"outpoint"`
	Entry struct {
		Amount          uint64     `json:"amount"`
		ScriptPublicKey outputJSON `json:"script_public_key"`
		BlockDaaScore   uint64     `json:"block_daa_score"`
		IsCoinbase      bool       `json:"is_coinbase"`
	} `json:"utxo_entry"`
}

// GetUTXOsByAddresses satisfies chain.NodeClient.
func (c *Client) GetUTXOsByAddresses(ctx context.Context, addresses []chain.Address) ([]chain.UtxoRecord, error) {
	params := map[string]any{"addresses": addresses}
	var result []utxoJSON
	if err := c.call(ctx, "getUtxosByAddresses", params, &result); err != nil {
		return nil, err
	}
	records := make([]chain.UtxoRecord, len(result))
	for i, u := range result {
		records[i] = chain.UtxoRecord{
			Outpoint: chain.TransactionOutpoint{
				TransactionID: chain.Hash(u.Outpoint.TransactionID),
				Index:         u.Outpoint.Index,
			},
			Entry: chain.UtxoEntry{
				Amount:          u.Entry.Amount,
				ScriptPublicKey: chain.ScriptPublicKey{Version: u.Entry.ScriptPublicKey.ScriptVersion, Script: u.Entry.ScriptPublicKey.ScriptPubKey},
				BlockDaaScore:   u.Entry.BlockDaaScore,
				IsCoinbase:      u.Entry.IsCoinbase,
			},
		}
	}
	return records, nil
}

var _ chain.NodeClient = (*Client)(nil)
