// Package callgraph models a session's tool calls as a directed graph
// and scores multi-stage behavior that single-call analysis misses:
// reconnaissance, exploitation and exfiltration chains.
package callgraph

import "time"

// CallType classifies a tool call by its effect.
type CallType string

const (
	CallRead    CallType = "read"
	CallWrite   CallType = "write"
	CallExecute CallType = "execute"
	CallNetwork CallType = "network"
	CallSystem  CallType = "system"
	CallQuery   CallType = "query"
)

// Stage is a phase of a multi-stage attack.
type Stage string

const (
	StageReconnaissance      Stage = "reconnaissance"
	StageExploitation        Stage = "exploitation"
	StageExfiltration        Stage = "exfiltration"
	StagePersistence         Stage = "persistence"
	StagePrivilegeEscalation Stage = "privilege_escalation"
	StageLateralMovement     Stage = "lateral_movement"
)

// Features are graph-level structural metrics, reported with the risk
// for audit records.
type Features struct {
	Nodes     int
	Edges     int
	Density   float64
	AvgDegree float64
	CallTypes map[CallType]int
}

// Risk is the behavioral assessment of one session.
type Risk struct {
	// Score is in [0,1].
	Score      float64
	Confidence float64

	Stages []Stage

	// Patterns names the matched attack categories.
	Patterns []string

	// Chains lists suspicious tool sequences, capped for reporting.
	Chains [][]string

	Evidence []string
	Features Features
}

type node struct {
	id       string
	tool     string
	callType CallType
	argsText string
	result   string
	at       time.Time

	// succ holds data-flow successors. Edges always point forward in
	// time, so evicting the oldest node cannot orphan an edge.
	succ []*node
}
