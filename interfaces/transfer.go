package interfaces

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TransferStatus is the state of a block transfer or of a whole session.
type TransferStatus int

const (
	TransferPending TransferStatus = iota + 1
	TransferInProgress
	TransferRetrying
	TransferCompleted
	TransferFailed
	TransferCancelled
)

var AllTransferStatuses = []TransferStatus{
	TransferPending,
	TransferInProgress,
	TransferRetrying,
	TransferCompleted,
	TransferFailed,
	TransferCancelled,
}

func (s TransferStatus) String() string {
	switch s {
	case TransferPending:
		return "pending"
	case TransferInProgress:
		return "in_progress"
	case TransferRetrying:
		return "retrying"
	case TransferCompleted:
		return "completed"
	case TransferFailed:
		return "failed"
	case TransferCancelled:
		return "cancelled"
	default:
		panic(fmt.Sprintf("unknown transfer status %d", int(s)))
	}
}

func ParseTransferStatus(s string) (TransferStatus, error) {
	for _, status := range AllTransferStatuses {
		if status.String() == strings.ToLower(s) {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown transfer status %q", s)
}

// IsTerminal reports whether the status can no longer change.
func (s TransferStatus) IsTerminal() bool {
	switch s {
	case TransferCompleted, TransferFailed, TransferCancelled:
		return true
	case TransferPending, TransferInProgress, TransferRetrying:
		return false
	default:
		panic(fmt.Sprintf("unknown transfer status %d", int(s)))
	}
}

func (s TransferStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *TransferStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseTransferStatus(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// DefaultMaxRetries bounds the number of failed send attempts per block.
const DefaultMaxRetries = 3

// BlockTransferInfo tracks one block within a TransferSession.
type BlockTransferInfo struct {
	TransferID      string         `json:"transfer_id"`
	BlockID         string         `json:"block_id"`
	ModelID         string         `json:"model_id"`
	BlockIndex      int            `json:"block_index"`
	TotalSize       int64          `json:"total_size"`
	TransferredSize int64          `json:"transferred_size"`
	Status          TransferStatus `json:"status"`
	RetryCount      int            `json:"retry_count"`
	MaxRetries      int            `json:"max_retries"`
	LastError       string         `json:"last_error,omitempty"`
	NextAttemptAt   *time.Time     `json:"next_attempt_at,omitempty"`
}

// ProgressPercentage is the share of the block acknowledged by the client.
func (b *BlockTransferInfo) ProgressPercentage() float64 {
	return percentage(b.TransferredSize, b.TotalSize)
}

// IsComplete reports whether the block has been sent and acknowledged.
func (b *BlockTransferInfo) IsComplete() bool {
	return b.Status == TransferCompleted
}

// CanRetry reports whether another send attempt may be scheduled.
func (b *BlockTransferInfo) CanRetry() bool {
	return b.Status == TransferRetrying && b.RetryCount < b.MaxRetries
}

// TransferSession is a point-in-time snapshot of a transfer between two nodes.
// The session transit key is never part of a snapshot.
type TransferSession struct {
	SessionID       string              `json:"session_id"`
	AdminNodeID     string              `json:"admin_node_id"`
	ClientNodeID    string              `json:"client_node_id"`
	ModelID         string              `json:"model_id"`
	Blocks          []BlockTransferInfo `json:"blocks"`
	TotalBlocks     int                 `json:"total_blocks"`
	TotalSize       int64               `json:"total_size"`
	TransferredSize int64               `json:"transferred_size"`
	Status          TransferStatus      `json:"status"`
	CreatedAt       time.Time           `json:"created_at"`
	StartedAt       *time.Time          `json:"started_at,omitempty"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty"`
}

func (s *TransferSession) ProgressPercentage() float64 {
	return percentage(s.TransferredSize, s.TotalSize)
}

// IsComplete holds only once every byte was acknowledged and the session completed.
func (s *TransferSession) IsComplete() bool {
	return s.TransferredSize == s.TotalSize && s.Status == TransferCompleted
}

// TransferProgress is the monitoring view of one session.
type TransferProgress struct {
	SessionID          string         `json:"session_id"`
	ModelID            string         `json:"model_id"`
	ClientNodeID       string         `json:"client_node_id"`
	Status             TransferStatus `json:"status"`
	TotalBlocks        int            `json:"total_blocks"`
	CompletedBlocks    int            `json:"completed_blocks"`
	FailedBlocks       int            `json:"failed_blocks"`
	TotalSize          int64          `json:"total_size"`
	TransferredSize    int64          `json:"transferred_size"`
	ProgressPercentage float64        `json:"progress_percentage"`
}

// TransferStatistics aggregates every tracked session.
type TransferStatistics struct {
	ActiveSessions   int            `json:"active_sessions"`
	ArchivedSessions int            `json:"archived_sessions"`
	SessionsByStatus map[string]int `json:"sessions_by_status"`
	TotalBlocks      int            `json:"total_blocks"`
	CompletedBlocks  int            `json:"completed_blocks"`
	FailedBlocks     int            `json:"failed_blocks"`
	TotalRetries     int            `json:"total_retries"`
	TotalBytes       int64          `json:"total_bytes"`
	TransferredBytes int64          `json:"transferred_bytes"`
}

func percentage(done, total int64) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(done) / float64(total) * 100
	if p > 100 {
		return 100
	}
	return p
}
