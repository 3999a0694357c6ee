package helio

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
)

type scheduledNode struct {
	nodeID string
	delay  time.Duration
}

type loggedEvent struct {
	nodeID    *string
	eventType string
	rationale string
	payload   any
}

// transition applies one state change to a working copy of an instance and
// collects the writes the engine commits afterwards in a single transaction.
type transition struct {
	graph    *definitionGraph
	instance *WorkflowInstance
	policy   RetryPolicy
	now      time.Time

	record   *NodeExecutionRecord
	events   []loggedEvent
	enqueue  []scheduledNode
	pause    []*PendingInput
	resolved []string
	purge    bool
}

func newTransition(graph *definitionGraph, instance *WorkflowInstance, policy RetryPolicy) *transition {
	instance.State.normalize()

	return &transition{
		graph:    graph,
		instance: instance,
		policy:   policy,
		now:      time.Now(),
	}
}

func (t *transition) log(nodeID string, eventType string, rationale string, payload any) {
	event := loggedEvent{eventType: eventType, rationale: rationale, payload: payload}
	if nodeID != "" {
		id := nodeID
		event.nodeID = &id
	}
	t.events = append(t.events, event)
}

func (t *transition) explain(rationale string) {
	if t.record != nil && t.record.Rationale == "" {
		t.record.Rationale = rationale
	}
}

func (t *transition) state() *InstanceState {
	return &t.instance.State
}

// start moves a created instance to running and activates the start node.
func (t *transition) start() {
	startNode := t.graph.def.StartNode
	t.instance.Status = StatusRunning
	t.log("", EventInstanceStarted, fmt.Sprintf("instance started at node %s", startNode), nil)
	t.activate(startNode, "")
}

func (t *transition) activate(target, from string) {
	st := t.state()
	node := t.graph.nodes[target]

	if node.Join {
		arrived := st.Arrivals[target]
		if !slices.Contains(arrived, from) {
			arrived = append(arrived, from)
		}
		st.Arrivals[target] = arrived
		t.log(target, EventJoinWaiting,
			fmt.Sprintf("branch from %s arrived at join %s (%d of %d)",
				from, target, len(arrived), len(t.graph.predecessors(target))),
			map[string]any{KeyArrived: arrived})

		return
	}

	if slices.Contains(st.Active, target) {
		t.log(target, EventBranchTaken, fmt.Sprintf("node %s is already active, activation from %s merged", target, from), nil)

		return
	}
	if _, done := st.Bindings[target]; done {
		t.log(target, EventBranchTaken, fmt.Sprintf("node %s already executed, not run again for %s", target, from), nil)

		return
	}

	st.Active = append(st.Active, target)
	t.enqueue = append(t.enqueue, scheduledNode{nodeID: target})
}

// applyOutcome advances the instance after one execution of node.
func (t *transition) applyOutcome(
	node *NodeSpec,
	attempt int,
	input json.RawMessage,
	outcome Outcome,
	timeoutPermanent bool,
	redactor *Redactor,
) {
	st := t.state()
	st.Active = removeOne(st.Active, node.ID)
	st.Runs[node.ID] = attempt

	t.record = &NodeExecutionRecord{
		InstanceID: t.instance.ID,
		NodeID:     node.ID,
		Attempt:    attempt,
		StartedAt:  outcome.Started,
		FinishedAt: outcome.Finished,
		Outcome:    outcome.Kind,
		Input:      input,
		Output:     redactor.Snapshot(outcome.Output),
	}
	if outcome.Err != nil && outcome.Kind != OutcomePaused {
		msg := outcome.Err.Error()
		kind := errorKindOf(outcome.Kind)
		t.record.Error = &msg
		t.record.ErrorKind = &kind
	}

	t.log(node.ID, EventNodeStarted,
		fmt.Sprintf("node %s (%s) attempt %d started", node.ID, node.Type, attempt),
		map[string]any{KeyAttempt: attempt, "started_at": outcome.Started})

	switch {
	case outcome.Kind == OutcomeSuccess:
		output, err := json.Marshal(outcome.Output)
		if err != nil {
			t.escalate(node, ErrorKindPermanent, fmt.Errorf("encode output: %w", err))

			break
		}
		t.succeed(node, output, fmt.Sprintf("node %s succeeded on attempt %d in %s",
			node.ID, attempt, outcome.Duration().Round(time.Millisecond)))
	case outcome.Kind == OutcomePaused:
		t.pauseNode(node, outcome.CorrelationKey, outcome.PauseTimeout)
	case outcome.Kind == OutcomeTimeout && timeoutPermanent:
		t.escalate(node, ErrorKindTimeout, outcome.Err)
	case outcome.Kind == OutcomeTransient || outcome.Kind == OutcomeTimeout:
		t.retryOrEscalate(node, attempt, outcome)
	default:
		t.escalate(node, ErrorKindPermanent, outcome.Err)
	}

	t.settleJoins()
	t.finalize()
}

func (t *transition) succeed(node *NodeSpec, output json.RawMessage, rationale string) {
	st := t.state()
	st.Bindings[node.ID] = output
	delete(st.Attempts, node.ID)
	st.LastNode = node.ID
	t.explain(rationale)
	t.log(node.ID, EventNodeCompleted, rationale, nil)
	t.route(node)
}

// route evaluates the outgoing edges of a node that just produced output.
func (t *transition) route(node *NodeSpec) {
	st := t.state()
	ectx, err := newEvalContext(st.Bindings)
	if err != nil {
		t.fail(ErrorKindPermanent, fmt.Errorf("build guard context: %w", err), node.ID)

		return
	}

	if edge, ok := t.graph.edgeOfKind(node.ID, EdgeKindRetry); ok {
		matched, gerr := evaluateGuard(edge.Guard, ectx)
		if gerr != nil {
			t.log(node.ID, EventBranchTaken, fmt.Sprintf("retry guard treated as false: %v", gerr), nil)
		}
		if matched {
			t.loop(node, edge)

			return
		}
	}

	edges := t.graph.successEdges(node.ID)
	if len(edges) == 0 {
		return
	}

	taken, notes := selectEdges(edges, node.Fork, ectx)
	for _, note := range notes {
		t.log(node.ID, EventBranchTaken, note, nil)
	}
	if len(taken) == 0 {
		t.fail(ErrorKindNoMatchingBranch, &NoMatchingBranchError{NodeID: node.ID}, node.ID)

		return
	}

	for _, edge := range taken {
		t.log(node.ID, EventBranchTaken, edgeRationale(edge), map[string]any{KeyTarget: edge.To, KeyGuard: edge.Guard})
		t.activate(edge.To, node.ID)
	}
}

func (t *transition) loop(node *NodeSpec, edge Edge) {
	st := t.state()
	st.Loops[node.ID]++
	loops := st.Loops[node.ID]
	if loops > node.maxLoops() {
		t.fail(ErrorKindRetriesExhausted, &RetriesExhaustedError{
			NodeID:   node.ID,
			Attempts: loops,
			Last:     fmt.Errorf("retry edge guard %q still holds after %d loops", edge.Guard, node.maxLoops()),
		}, node.ID)

		return
	}

	delay := t.policy.Delay(loops)
	st.Active = append(st.Active, node.ID)
	t.enqueue = append(t.enqueue, scheduledNode{nodeID: node.ID, delay: delay})
	t.log(node.ID, EventBranchTaken,
		fmt.Sprintf("retry edge guard %q held, node %s runs again (loop %d of %d) in %s",
			edge.Guard, node.ID, loops, node.maxLoops(), delay.Round(time.Millisecond)),
		map[string]any{KeyTarget: node.ID, KeyDelay: delay.String()})
}

// selectEdges picks the edges to follow. A plain node takes the first
// matching edge in declaration order, a fork takes every matching edge.
// Default edges are used only when no guarded or unguarded edge matched.
func selectEdges(edges []Edge, fork bool, ectx *hcl.EvalContext) ([]Edge, []string) {
	var (
		matched  []Edge
		defaults []Edge
		notes    []string
	)
	for _, edge := range edges {
		if edge.Kind == EdgeKindDefault {
			defaults = append(defaults, edge)

			continue
		}
		ok, err := evaluateGuard(edge.Guard, ectx)
		if err != nil {
			notes = append(notes, fmt.Sprintf("guard %q on %s -> %s treated as false: %v", edge.Guard, edge.From, edge.To, err))

			continue
		}
		if ok {
			matched = append(matched, edge)
			if !fork {
				break
			}
		}
	}

	if len(matched) > 0 {
		return matched, notes
	}
	if !fork && len(defaults) > 1 {
		defaults = defaults[:1]
	}

	return defaults, notes
}

func edgeRationale(edge Edge) string {
	switch {
	case edge.Kind == EdgeKindDefault:
		return fmt.Sprintf("no guard matched, default edge %s -> %s taken", edge.From, edge.To)
	case edge.Guard == "":
		return fmt.Sprintf("unguarded edge %s -> %s taken", edge.From, edge.To)
	default:
		return fmt.Sprintf("guard %q held, edge %s -> %s taken", edge.Guard, edge.From, edge.To)
	}
}

func (t *transition) retryOrEscalate(node *NodeSpec, attempt int, outcome Outcome) {
	st := t.state()
	failures := st.Attempts[node.ID] + 1
	st.Attempts[node.ID] = failures
	kind := errorKindOf(outcome.Kind)

	if failures > node.maxRetries() {
		t.escalate(node, ErrorKindRetriesExhausted, &RetriesExhaustedError{
			NodeID:   node.ID,
			Attempts: failures,
			Last:     outcome.Err,
		})

		return
	}

	delay := t.policy.Delay(failures)
	st.Active = append(st.Active, node.ID)
	t.enqueue = append(t.enqueue, scheduledNode{nodeID: node.ID, delay: delay})

	rationale := fmt.Sprintf("attempt %d failed with %s: %v; retry %d of %d in %s",
		attempt, kind, outcome.Err, failures, node.maxRetries(), delay.Round(time.Millisecond))
	t.explain(rationale)
	t.log(node.ID, EventNodeRetry, rationale, map[string]any{
		KeyAttempt: attempt,
		KeyDelay:   delay.String(),
		KeyError:   errString(outcome.Err),
	})
}

// escalate follows the node's error edge or fails the instance.
func (t *transition) escalate(node *NodeSpec, kind string, err error) {
	st := t.state()
	delete(st.Attempts, node.ID)

	edge, ok := t.graph.edgeOfKind(node.ID, EdgeKindError)
	if !ok {
		rationale := fmt.Sprintf("node %s failed with %s: %v; no error edge declared", node.ID, kind, err)
		t.explain(rationale)
		t.log(node.ID, EventNodeFailed, rationale, map[string]any{KeyErrorKind: kind, KeyError: errString(err)})
		t.fail(kind, err, node.ID)

		return
	}

	binding, _ := json.Marshal(map[string]any{"error": errString(err), "kind": kind})
	st.Bindings[node.ID] = binding

	rationale := fmt.Sprintf("node %s failed with %s: %v; following error edge to %s", node.ID, kind, err, edge.To)
	t.explain(rationale)
	t.log(node.ID, EventNodeFailed, rationale, map[string]any{
		KeyErrorKind: kind,
		KeyError:     errString(err),
		KeyTarget:    edge.To,
	})
	t.activate(edge.To, node.ID)
}

func (t *transition) pauseNode(node *NodeSpec, correlationKey string, timeout time.Duration) {
	if timeout <= 0 {
		timeout = node.PauseTimeout.Std()
	}

	pending := &PendingInput{
		CorrelationKey: correlationKey,
		InstanceID:     t.instance.ID,
		NodeID:         node.ID,
		CreatedAt:      t.now,
	}
	rationale := fmt.Sprintf("node %s waits for external input %q", node.ID, correlationKey)
	if timeout > 0 {
		deadline := t.now.Add(timeout)
		pending.Deadline = &deadline
		rationale += fmt.Sprintf(" until %s", deadline.UTC().Format(time.RFC3339))
	}

	st := t.state()
	st.Waiting = append(st.Waiting, *pending)
	t.pause = append(t.pause, pending)
	t.explain(rationale)
	t.log(node.ID, EventInstancePaused, rationale, map[string]any{
		KeyCorrelationKey: correlationKey,
		KeyDeadline:       pending.Deadline,
	})
}

// resume completes a waiting node with the external event as its output.
func (t *transition) resume(pending *PendingInput, event json.RawMessage, redactor *Redactor) {
	st := t.state()
	st.Waiting = slices.DeleteFunc(st.Waiting, func(p PendingInput) bool {
		return p.CorrelationKey == pending.CorrelationKey
	})
	t.resolved = append(t.resolved, pending.CorrelationKey)
	if t.instance.Status == StatusPaused {
		t.instance.Status = StatusRunning
	}

	var decoded any
	_ = json.Unmarshal(event, &decoded)
	t.record = &NodeExecutionRecord{
		InstanceID: t.instance.ID,
		NodeID:     pending.NodeID,
		Attempt:    st.Runs[pending.NodeID],
		StartedAt:  pending.CreatedAt,
		FinishedAt: t.now,
		Outcome:    OutcomeSuccess,
		Output:     redactor.Snapshot(decoded),
	}

	t.log(pending.NodeID, EventInstanceResumed,
		fmt.Sprintf("external input %q resumed node %s", pending.CorrelationKey, pending.NodeID),
		map[string]any{KeyCorrelationKey: pending.CorrelationKey})

	node := t.graph.nodes[pending.NodeID]
	t.succeed(node, event, fmt.Sprintf("node %s completed by external input %q", node.ID, pending.CorrelationKey))
	t.settleJoins()
	t.finalize()
}

func (t *transition) cancel(reason string) {
	rationale := "cancelled"
	if reason != "" {
		rationale = "cancelled: " + reason
	}
	t.terminate(StatusCancelled, ErrorKindCancelled, reason)
	t.log("", EventInstanceCancelled, rationale, map[string]any{KeyReason: reason})
}

func (t *transition) fail(kind string, err error, nodeID string) {
	t.terminate(StatusFailed, kind, errString(err))
	t.log(nodeID, EventInstanceFailed, fmt.Sprintf("instance failed with %s: %s", kind, errString(err)),
		map[string]any{KeyErrorKind: kind, KeyError: errString(err)})
}

func (t *transition) terminate(status InstanceStatus, kind, msg string) {
	now := t.now
	st := t.state()
	t.instance.Status = status
	t.instance.ErrorKind = &kind
	t.instance.Error = &msg
	t.instance.CompletedAt = &now
	st.Active = []string{}
	st.Waiting = nil
	st.Arrivals = map[string][]string{}
	t.enqueue = nil
	t.pause = nil
	t.purge = true
}

// settleJoins activates every join whose missing predecessors can no longer
// be reached from the live frontier.
func (t *transition) settleJoins() {
	st := t.state()
	for changed := true; changed; {
		changed = false
		joins := make([]string, 0, len(st.Arrivals))
		for join := range st.Arrivals {
			joins = append(joins, join)
		}
		sort.Strings(joins)

		for _, join := range joins {
			if t.instance.Status.IsTerminal() || !t.joinReady(join) {
				continue
			}
			arrived := st.Arrivals[join]
			delete(st.Arrivals, join)
			st.Active = append(st.Active, join)
			t.enqueue = append(t.enqueue, scheduledNode{nodeID: join})
			t.log(join, EventJoinReady,
				fmt.Sprintf("join %s ready, branches arrived from %s", join, strings.Join(arrived, ", ")),
				map[string]any{KeyArrived: arrived})
			changed = true
		}
	}
}

func (t *transition) joinReady(join string) bool {
	st := t.state()
	arrived := st.Arrivals[join]

	frontier := slices.Clone(st.Active)
	for _, w := range st.Waiting {
		frontier = append(frontier, w.NodeID)
	}
	for other := range st.Arrivals {
		if other != join {
			frontier = append(frontier, other)
		}
	}

	for _, pred := range t.graph.predecessors(join) {
		if slices.Contains(arrived, pred) {
			continue
		}
		for _, live := range frontier {
			if t.graph.reachable(live, pred) {
				return false
			}
		}
	}

	return true
}

// finalize derives the instance status from what is still in flight.
func (t *transition) finalize() {
	if t.instance.Status.IsTerminal() {
		return
	}

	st := t.state()
	switch {
	case len(st.Active) > 0:
		t.instance.Status = StatusRunning
	case len(st.Waiting) > 0:
		t.instance.Status = StatusPaused
	default:
		now := t.now
		t.instance.Status = StatusCompleted
		t.instance.CompletedAt = &now
		t.purge = true
		rationale := "all branches finished"
		if st.LastNode != "" {
			rationale += ", output taken from " + st.LastNode
		}
		t.log("", EventInstanceCompleted, rationale, map[string]any{KeyOutput: st.LastNode})
	}
}

func errorKindOf(kind OutcomeKind) string {
	switch kind {
	case OutcomeTimeout:
		return ErrorKindTimeout
	case OutcomePermanent:
		return ErrorKindPermanent
	default:
		return ErrorKindTransient
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}

func removeOne(items []string, item string) []string {
	idx := slices.Index(items, item)
	if idx < 0 {
		return items
	}

	return slices.Delete(items, idx, idx+1)
}
