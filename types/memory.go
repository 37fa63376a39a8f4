// Package types provides unified type definitions for the memflow engine.
package types

import "time"

// MemoryType classifies a long-term memory.
type MemoryType string

const (
	// MemoryEpisodic represents event-based experiential memories.
	MemoryEpisodic MemoryType = "episodic"

	// MemorySemantic represents factual knowledge about the user.
	MemorySemantic MemoryType = "semantic"
)

// SensoryStatus tracks the processing state of a raw input record.
type SensoryStatus string

const (
	SensoryPending    SensoryStatus = "pending"
	SensoryProcessing SensoryStatus = "processing"
	SensoryPromoted   SensoryStatus = "promoted"
	SensoryDiscarded  SensoryStatus = "discarded"
)

// InputType classifies the source of raw input.
type InputType string

const (
	InputText  InputType = "text"
	InputEvent InputType = "event"
)

// CoreCategory classifies a promoted identity fact.
type CoreCategory string

const (
	CoreIdentity     CoreCategory = "identity"
	CorePreference   CoreCategory = "preference"
	CoreRelationship CoreCategory = "relationship"
	CoreBehavioral   CoreCategory = "behavioral"
	CoreGoal         CoreCategory = "goal"
	CoreConstraint   CoreCategory = "constraint"
)

// SensoryRecord is the raw-input audit tier. Records are never deleted;
// only Status and StatusReason change after creation.
type SensoryRecord struct {
	ID             string        `gorm:"primaryKey;size:36" json:"id"`
	OwnerID        string        `gorm:"size:64;index:idx_sensory_owner_hash,priority:1;index:idx_sensory_owner_status" json:"owner_id"`
	ThreadID       string        `gorm:"size:64;index" json:"thread_id,omitempty"`
	Content        string        `json:"content"`
	ContentHash    string        `gorm:"size:64;index:idx_sensory_owner_hash,priority:2" json:"content_hash"`
	InputType      InputType     `gorm:"size:16" json:"input_type"`
	AttentionScore float64       `json:"attention_score"`
	Status         SensoryStatus `gorm:"size:16;index:idx_sensory_owner_status" json:"status"`
	StatusReason   string        `json:"status_reason,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Topic clusters short-term memories. The centroid is an incremental
// running mean over member embeddings.
type Topic struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	OwnerID     string    `gorm:"size:64;index" json:"owner_id"`
	Label       string    `gorm:"size:128" json:"label"`
	Centroid    []float32 `gorm:"serializer:json" json:"centroid,omitempty"`
	MemberCount int       `json:"member_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Entity is a named entity extracted from input.
type Entity struct {
	Name     string  `json:"name"`
	Type     string  `json:"type"`
	Salience float64 `json:"salience"`
}

// Relationship is a directed (subject, predicate, object) triple
// extracted from input.
type Relationship struct {
	Subject    string  `json:"subject"`
	Predicate  string  `json:"predicate"`
	Object     string  `json:"object"`
	Confidence float64 `json:"confidence"`
}

// ShortTermMemory is the working-memory tier. Rows are hard-deleted on
// expiry or after promotion to long-term memory.
type ShortTermMemory struct {
	ID            string         `gorm:"primaryKey;size:36" json:"id"`
	OwnerID       string         `gorm:"size:64;index" json:"owner_id"`
	ThreadID      string         `gorm:"size:64;index" json:"thread_id,omitempty"`
	Content       string         `json:"content"`
	Summary       string         `json:"summary,omitempty"`
	Embedding     []float32      `gorm:"serializer:json" json:"embedding,omitempty"`
	TopicID       string         `gorm:"size:36;index" json:"topic_id,omitempty"`
	Entities      []Entity       `gorm:"serializer:json" json:"entities,omitempty"`
	Relationships []Relationship `gorm:"serializer:json" json:"relationships,omitempty"`
	Importance    float64        `json:"importance"`
	AccessCount   int            `json:"access_count"`
	LastAccessed  time.Time      `json:"last_accessed"`
	ExpiresAt     time.Time      `gorm:"index" json:"expires_at"`
	SensoryID     string         `gorm:"size:36" json:"sensory_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// LongTermMemory is the consolidated tier. Rows are soft-deleted via the
// Active flag, never hard-deleted, so lineage queries keep working.
type LongTermMemory struct {
	ID                 string     `gorm:"primaryKey;size:36" json:"id"`
	OwnerID            string     `gorm:"size:64;index:idx_ltm_owner_active,priority:1" json:"owner_id"`
	Content            string     `json:"content"`
	Summary            string     `json:"summary,omitempty"`
	Embedding          []float32  `gorm:"serializer:json" json:"embedding,omitempty"`
	Type               MemoryType `gorm:"size:16" json:"type"`
	EntityName         string     `gorm:"size:128;index" json:"entity_name,omitempty"`
	EntityType         string     `gorm:"size:64" json:"entity_type,omitempty"`
	BaseImportance     float64    `json:"base_importance"`
	CurrentImportance  float64    `json:"current_importance"`
	Stability          float64    `json:"stability"`
	AccessCount        int        `json:"access_count"`
	LastAccessed       time.Time  `json:"last_accessed"`
	ReinforcementCount int        `json:"reinforcement_count"`
	Lineage            []string   `gorm:"serializer:json" json:"lineage,omitempty"`
	Active             bool       `gorm:"index:idx_ltm_owner_active,priority:2" json:"active"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// MemoryEdge is a directed fact-graph relationship between two named
// entities. Edges are independent records; orphans are swept by a
// periodic reconciliation pass rather than cascading deletes.
type MemoryEdge struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	OwnerID    string    `gorm:"size:64;index:idx_edge_owner_key,priority:1" json:"owner_id"`
	SourceName string    `gorm:"size:128;index:idx_edge_owner_key,priority:2" json:"source_name"`
	SourceType string    `gorm:"size:64" json:"source_type"`
	TargetName string    `gorm:"size:128;index:idx_edge_owner_key,priority:4" json:"target_name"`
	TargetType string    `gorm:"size:64" json:"target_type"`
	Relation   string    `gorm:"size:64;index:idx_edge_owner_key,priority:3" json:"relation"`
	Fact       string    `json:"fact"`
	Embedding  []float32 `gorm:"serializer:json" json:"embedding,omitempty"`
	Strength   float64   `json:"strength"`
	Active     bool      `gorm:"index" json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CoreMemory is a promoted, slow-changing identity fact.
type CoreMemory struct {
	ID            string       `gorm:"primaryKey;size:36" json:"id"`
	OwnerID       string       `gorm:"size:64;index:idx_core_owner_active,priority:1" json:"owner_id"`
	Content       string       `json:"content"`
	Embedding     []float32    `gorm:"serializer:json" json:"embedding,omitempty"`
	Category      CoreCategory `gorm:"size:32;index" json:"category"`
	Confidence    float64      `json:"confidence"`
	EvidenceCount int          `json:"evidence_count"`
	Active        bool         `gorm:"index:idx_core_owner_active,priority:2" json:"active"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// AggregateEntry mirrors one active LongTermMemory into the ordered
// aggregate index keyed by owner, type and importance decile. Every
// mutation of importance, type or active flag must replace this entry in
// the same transaction as the record write.
type AggregateEntry struct {
	MemoryID   string     `gorm:"primaryKey;size:36" json:"memory_id"`
	OwnerID    string     `gorm:"size:64;index:idx_agg_key,priority:1" json:"owner_id"`
	MemoryType MemoryType `gorm:"size:16;index:idx_agg_key,priority:2" json:"memory_type"`
	Bucket     int        `gorm:"index:idx_agg_key,priority:3" json:"bucket"`
}

// ImportanceBucket maps an importance value to its decile bucket [0,9].
func ImportanceBucket(importance float64) int {
	if importance < 0 {
		return 0
	}
	b := int(importance * 10)
	if b > 9 {
		b = 9
	}
	return b
}

// ConsolidationLogEntry is an append-only audit record of one background
// run.
type ConsolidationLogEntry struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	RunType     string    `gorm:"size:32;index" json:"run_type"`
	ExpiredSTM  int       `json:"expired_stm"`
	Decayed     int       `json:"decayed"`
	Promoted    int       `json:"promoted"`
	Reinforced  int       `json:"reinforced"`
	Pruned      int       `json:"pruned"`
	EdgesSwept  int       `json:"edges_swept"`
	Reflections int       `json:"reflections"`
	DurationMs  int64     `json:"duration_ms"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Reflection is an append-only audit record of one detected pattern that
// reached core memory.
type Reflection struct {
	ID              string       `gorm:"primaryKey;size:36" json:"id"`
	OwnerID         string       `gorm:"size:64;index" json:"owner_id"`
	Content         string       `json:"content"`
	Category        CoreCategory `gorm:"size:32" json:"category"`
	Confidence      float64      `json:"confidence"`
	SupportingCount int          `json:"supporting_count"`
	Reasoning       string       `json:"reasoning,omitempty"`
	CoreMemoryID    string       `gorm:"size:36" json:"core_memory_id,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}

// MemoryStats summarizes an owner's long-term memory population, computed
// from the aggregate index rather than table scans.
type MemoryStats struct {
	Total          int64                `json:"total"`
	ByType         map[MemoryType]int64 `json:"by_type"`
	HighImportance int64                `json:"high_importance"`
	LowImportance  int64                `json:"low_importance"`
}
