// Package types defines the core entities of the node graph: nodes,
// hierarchy edges, references, imports, and their derived statistics.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Field length limits enforced both here and by CHECK constraints in the
// schema. Validation happens in Go first so callers get a typed error
// instead of a raw constraint failure.
const (
	MaxIDLen            = 100
	MaxNameLen          = 1000
	MaxContentLen       = 1_000_000
	MaxDocTypeLen       = 100
	MaxJSONLen          = 100_000
	MaxReferenceTypeLen = 50
	MaxContextLen       = 1000

	// MaxTraversalDepth caps recursive ancestor/descendant walks.
	MaxTraversalDepth = 100
)

// NodeType classifies a node.
type NodeType string

const (
	NodeTypeNode      NodeType = "node"
	NodeTypeField     NodeType = "field"
	NodeTypeReference NodeType = "reference"
)

// IsValid reports whether the node type is one of the known values.
func (t NodeType) IsValid() bool {
	switch t {
	case NodeTypeNode, NodeTypeField, NodeTypeReference:
		return true
	}
	return false
}

// Node is the unit of content in the knowledge base.
type Node struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Content      string     `json:"content"`
	DocType      *string    `json:"doc_type,omitempty"`
	OwnerID      *string    `json:"owner_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	NodeType     NodeType   `json:"node_type"`
	IsSystemNode bool       `json:"is_system_node"`
	FieldsJSON   string     `json:"fields_json"`
	MetadataJSON string     `json:"metadata_json"`
}

// Validate checks field lengths and JSON validity. It does not touch the
// database; referential checks (owner existence) are left to the store.
func (n *Node) Validate() error {
	if len(n.ID) == 0 || len(n.ID) > MaxIDLen {
		return fmt.Errorf("node id must be 1-%d characters (got %d)", MaxIDLen, len(n.ID))
	}
	if len(n.Name) > MaxNameLen {
		return fmt.Errorf("node name exceeds %d characters (got %d)", MaxNameLen, len(n.Name))
	}
	if len(n.Content) > MaxContentLen {
		return fmt.Errorf("node content exceeds %d characters (got %d)", MaxContentLen, len(n.Content))
	}
	if n.DocType != nil && len(*n.DocType) > MaxDocTypeLen {
		return fmt.Errorf("doc_type exceeds %d characters", MaxDocTypeLen)
	}
	if n.NodeType != "" && !n.NodeType.IsValid() {
		return fmt.Errorf("invalid node type: %s", n.NodeType)
	}
	if err := validateJSONField("fields_json", n.FieldsJSON); err != nil {
		return err
	}
	if err := validateJSONField("metadata_json", n.MetadataJSON); err != nil {
		return err
	}
	return nil
}

func validateJSONField(name, value string) error {
	if value == "" {
		return nil
	}
	if len(value) > MaxJSONLen {
		return fmt.Errorf("%s exceeds %d characters (got %d)", name, MaxJSONLen, len(value))
	}
	if !json.Valid([]byte(value)) {
		return fmt.Errorf("%s is not valid JSON", name)
	}
	return nil
}

// NodePatch carries a partial node update. Nil fields are left untouched.
// ID and CreatedAt are not patchable.
type NodePatch struct {
	Name         *string
	Content      *string
	DocType      *string
	OwnerID      *string
	NodeType     *NodeType
	IsSystemNode *bool
	FieldsJSON   *string
	MetadataJSON *string
}

// Validate checks the provided patch fields against the same limits as
// Node.Validate.
func (p *NodePatch) Validate() error {
	if p.Name != nil && len(*p.Name) > MaxNameLen {
		return fmt.Errorf("node name exceeds %d characters", MaxNameLen)
	}
	if p.Content != nil && len(*p.Content) > MaxContentLen {
		return fmt.Errorf("node content exceeds %d characters", MaxContentLen)
	}
	if p.DocType != nil && len(*p.DocType) > MaxDocTypeLen {
		return fmt.Errorf("doc_type exceeds %d characters", MaxDocTypeLen)
	}
	if p.NodeType != nil && !p.NodeType.IsValid() {
		return fmt.Errorf("invalid node type: %s", *p.NodeType)
	}
	if p.FieldsJSON != nil {
		if err := validateJSONField("fields_json", *p.FieldsJSON); err != nil {
			return err
		}
	}
	if p.MetadataJSON != nil {
		if err := validateJSONField("metadata_json", *p.MetadataJSON); err != nil {
			return err
		}
	}
	return nil
}

// HierarchyEdge is an ordered parent→child containment relation.
type HierarchyEdge struct {
	ID        string    `json:"id"`
	ParentID  string    `json:"parent_id"`
	ChildID   string    `json:"child_id"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"created_at"`
}

// Reference is a typed cross-link between two nodes, outside containment.
type Reference struct {
	ID            string    `json:"id"`
	SourceID      string    `json:"source_id"`
	TargetID      string    `json:"target_id"`
	ReferenceType string    `json:"reference_type"`
	Context       *string   `json:"context,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Validate checks reference field lengths and the self-link rule.
func (r *Reference) Validate() error {
	if r.SourceID == "" || r.TargetID == "" {
		return fmt.Errorf("reference requires source and target ids")
	}
	if r.SourceID == r.TargetID {
		return fmt.Errorf("reference cannot link a node to itself")
	}
	if len(r.ReferenceType) > MaxReferenceTypeLen {
		return fmt.Errorf("reference_type exceeds %d characters", MaxReferenceTypeLen)
	}
	if r.Context != nil && len(*r.Context) > MaxContextLen {
		return fmt.Errorf("reference context exceeds %d characters", MaxContextLen)
	}
	return nil
}

// NodeStats holds derived per-node counters. ReferenceCount and ChildCount
// are maintained by triggers on edge and reference changes; AccessCount and
// LastAccessed are written by the store's TouchNode, DepthLevel by its
// RecomputeDepths.
type NodeStats struct {
	NodeID         string     `json:"node_id"`
	AccessCount    int        `json:"access_count"`
	ReferenceCount int        `json:"reference_count"`
	ChildCount     int        `json:"child_count"`
	DepthLevel     int        `json:"depth_level"`
	LastAccessed   *time.Time `json:"last_accessed,omitempty"`
	ComputedAt     time.Time  `json:"computed_at"`
}

// ImportStatus is the lifecycle state of a bulk-ingest run.
type ImportStatus string

const (
	ImportPending    ImportStatus = "pending"
	ImportProcessing ImportStatus = "processing"
	ImportCompleted  ImportStatus = "completed"
	ImportFailed     ImportStatus = "failed"
)

// Import records one bulk-ingest run, keyed by the hash of its source file.
type Import struct {
	ID           string       `json:"id"`
	Filename     string       `json:"filename"`
	FileHash     string       `json:"file_hash"`
	NodeCount    int          `json:"node_count"`
	StartedAt    time.Time    `json:"started_at"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
	Status       ImportStatus `json:"status"`
	ErrorMessage string       `json:"error_message,omitempty"`
	MetadataJSON string       `json:"metadata_json,omitempty"`
}

// SourceNode is one record of the externally parsed input stream consumed
// by the bulk importer. Children and References carry target node ids.
type SourceNode struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Content    string   `json:"content"`
	DocType    string   `json:"doc_type,omitempty"`
	NodeType   NodeType `json:"node_type,omitempty"`
	IsSystem   bool     `json:"is_system,omitempty"`
	Fields     string   `json:"fields,omitempty"`   // JSON object
	Metadata   string   `json:"metadata,omitempty"` // JSON object
	Children   []string `json:"children,omitempty"`
	References []string `json:"references,omitempty"`
}

// SchemaVersion is one row of the applied-migration log.
type SchemaVersion struct {
	Version     int       `json:"version"`
	Description string    `json:"description"`
	AppliedAt   time.Time `json:"applied_at"`
	Checksum    string    `json:"checksum"`
}

// NodeFilter narrows ListNodes results. Zero values mean "no filter".
type NodeFilter struct {
	OwnerID       *string
	NodeType      NodeType
	DocType       string
	IncludeSystem bool
	SortBy        string // id, name, created_at, updated_at
	SortDesc      bool
	Limit         int
	Offset        int
}

// ReferenceFilter narrows ListReferences results.
type ReferenceFilter struct {
	SourceID      string
	TargetID      string
	ReferenceType string
	Limit         int
}
