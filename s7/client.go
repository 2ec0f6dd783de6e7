package s7

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/robinson/gos7"

	"s7link/logging"
)

// gos7 keeps its area and word length codes unexported.
const (
	areaDB       = 0x84
	wordLenByte  = 0x02
	maxMultiItem = 20  // items per multi-var request accepted by gos7
	maxMultiData = 200 // payload bytes that fit a minimum-size PDU
	itemOverhead = 4   // per-item response header
)

// DefaultPort is the ISO-on-TCP port.
const DefaultPort = 102

// ConnectionType selects the S7 connection resource.
type ConnectionType int

const (
	ConnectionPG    ConnectionType = 1
	ConnectionOP    ConnectionType = 2
	ConnectionBasic ConnectionType = 3
)

// ParseConnectionType maps a configured name to a ConnectionType.
func ParseConnectionType(name string) (ConnectionType, error) {
	switch name {
	case "", "pg", "PG":
		return ConnectionPG, nil
	case "op", "OP":
		return ConnectionOP, nil
	case "basic", "s7basic", "BASIC":
		return ConnectionBasic, nil
	default:
		return 0, fmt.Errorf("%w: unknown connection type %q", ErrInvalidArgument, name)
	}
}

// Client is a Transport backed by gos7.
type Client struct {
	address  string
	rack     int
	slot     int
	connType ConnectionType
	timeout  time.Duration

	handler *gos7.TCPClientHandler
	client  gos7.Client
	mu      sync.Mutex
}

// options holds configuration options for NewClient.
type options struct {
	port     int
	rack     int
	slot     int
	connType ConnectionType
	timeout  time.Duration
}

// Option is a functional option for NewClient.
type Option func(*options)

// WithPort overrides the TCP port (default 102).
func WithPort(port int) Option {
	return func(o *options) {
		o.port = port
	}
}

// WithRackSlot configures the rack and slot numbers for the PLC.
// Default is rack 0, slot 1. S7-1200/1500 CPUs usually answer on slot 0 or 1,
// S7-300/400 on slot 2.
func WithRackSlot(rack, slot int) Option {
	return func(o *options) {
		o.rack = rack
		o.slot = slot
	}
}

// WithConnectionType selects the PG, OP or basic connection resource.
func WithConnectionType(ct ConnectionType) Option {
	return func(o *options) {
		o.connType = ct
	}
}

// WithTimeout configures the socket timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// NewClient creates a disconnected client for the PLC at host.
func NewClient(host string, opts ...Option) *Client {
	cfg := &options{
		port:     DefaultPort,
		rack:     0,
		slot:     1,
		connType: ConnectionPG,
		timeout:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	address := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		address = net.JoinHostPort(host, strconv.Itoa(cfg.port))
	}

	return &Client{
		address:  address,
		rack:     cfg.rack,
		slot:     cfg.slot,
		connType: cfg.connType,
		timeout:  cfg.timeout,
	}
}

// Address returns the host:port the client dials.
func (c *Client) Address() string {
	return c.address
}

// Connect opens the ISO-on-TCP session.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	logging.DebugConnect("s7", c.address)

	handler := gos7.NewTCPClientHandlerWithConnectType(c.address, c.rack, c.slot, int(c.connType))
	handler.Timeout = c.timeout
	handler.IdleTimeout = c.timeout

	if err := handler.Connect(); err != nil {
		logging.DebugConnectError("s7", c.address, err)
		return fmt.Errorf("%w: connect %s: %w", ErrConnection, c.address, err)
	}

	c.handler = handler
	c.client = gos7.NewClient(handler)
	logging.DebugConnectSuccess("s7", c.address, fmt.Sprintf("rack %d slot %d", c.rack, c.slot))
	return nil
}

// Disconnect closes the session.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handler == nil {
		return nil
	}
	err := c.handler.Close()
	c.handler = nil
	c.client = nil
	logging.DebugDisconnect("s7", c.address, "closed")
	return err
}

// Read reads all tags, packing them into multi-var requests where they fit.
func (c *Client) Read(tags []Tag) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil, ErrNotConnected
	}

	results := make([][]byte, len(tags))
	for _, chunk := range planChunks(tags) {
		if len(chunk) == 1 {
			i := chunk[0]
			buf := make([]byte, tags[i].Size())
			if err := c.client.AGReadDB(tags[i].DBNumber, tags[i].Start, len(buf), buf); err != nil {
				return nil, fmt.Errorf("%w: read %s: %w", ErrConnection, tags[i], err)
			}
			results[i] = buf
			continue
		}

		items := make([]gos7.S7DataItem, len(chunk))
		for j, i := range chunk {
			items[j] = dataItem(tags[i], make([]byte, tags[i].Size()))
		}
		if err := c.client.AGReadMulti(items, len(items)); err != nil {
			return nil, fmt.Errorf("%w: multi read of %d items: %w", ErrConnection, len(items), err)
		}
		for j, i := range chunk {
			if items[j].Error != "" {
				return nil, &ItemError{Tag: tags[i], Msg: items[j].Error}
			}
			results[i] = items[j].Data
		}
	}

	logging.DebugLog("s7", "read %d tags from %s", len(tags), c.address)
	for _, r := range results {
		logging.DebugRX("s7", r)
	}
	return results, nil
}

// Write writes data[i] to tags[i].
func (c *Client) Write(tags []Tag, data [][]byte) error {
	if len(tags) != len(data) {
		return fmt.Errorf("%w: %d tags but %d payloads", ErrInvalidArgument, len(tags), len(data))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return ErrNotConnected
	}

	for _, d := range data {
		logging.DebugTX("s7", d)
	}
	for _, chunk := range planChunks(tags) {
		if len(chunk) == 1 {
			i := chunk[0]
			if err := c.client.AGWriteDB(tags[i].DBNumber, tags[i].Start, len(data[i]), data[i]); err != nil {
				return fmt.Errorf("%w: write %s: %w", ErrConnection, tags[i], err)
			}
			continue
		}

		items := make([]gos7.S7DataItem, len(chunk))
		for j, i := range chunk {
			items[j] = dataItem(tags[i], data[i])
		}
		if err := c.client.AGWriteMulti(items, len(items)); err != nil {
			return fmt.Errorf("%w: multi write of %d items: %w", ErrConnection, len(items), err)
		}
		for j, i := range chunk {
			if items[j].Error != "" {
				return &ItemError{Tag: tags[i], Msg: items[j].Error}
			}
		}
	}

	logging.DebugLog("s7", "wrote %d tags to %s", len(tags), c.address)
	return nil
}

// CPUInfo returns information about the connected CPU.
func (c *Client) CPUInfo() (*CPUInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil, ErrNotConnected
	}

	info, err := c.client.GetCPUInfo()
	if err != nil {
		return nil, fmt.Errorf("%w: cpu info: %w", ErrConnection, err)
	}

	return &CPUInfo{
		ModuleTypeName: info.ModuleTypeName,
		SerialNumber:   info.SerialNumber,
		ASName:         info.ASName,
		Copyright:      info.Copyright,
		ModuleName:     info.ModuleName,
	}, nil
}

// dataItem builds a byte-addressed multi-var item. Bit tags transfer their
// whole byte; the caller masks.
func dataItem(tag Tag, buf []byte) gos7.S7DataItem {
	return gos7.S7DataItem{
		Area:     areaDB,
		WordLen:  wordLenByte,
		DBNumber: tag.DBNumber,
		Start:    tag.Start,
		Amount:   len(buf),
		Data:     buf,
	}
}

// planChunks groups tag indexes into multi-var requests bounded by item count
// and payload size. Oversized tags get a chunk of their own so gos7 can split
// them across PDUs.
func planChunks(tags []Tag) [][]int {
	var chunks [][]int
	var cur []int
	size := 0
	for i, tag := range tags {
		n := tag.Size() + itemOverhead
		if n > maxMultiData {
			chunks = append(chunks, []int{i})
			continue
		}
		if len(cur) == maxMultiItem || size+n > maxMultiData {
			chunks = append(chunks, cur)
			cur, size = nil, 0
		}
		cur = append(cur, i)
		size += n
	}
	if len(cur) > 0 {
		chunks = append(chunks, cur)
	}
	return chunks
}
