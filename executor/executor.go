// Package executor walks a validated Execution Plan in topological order,
// resolving argument bindings and dispatching each Cap node through a
// CapExecutor backend, either in-process or across the plugin transport
// (spec.md component N, §4.8).
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/filegrind/capns-go/binding"
	"github.com/filegrind/capns-go/cap"
	"github.com/filegrind/capns-go/plan"
)

// CapExecutor is the sole backend contract the engine invokes work
// through — implemented either by an in-process CapSet or by a remote
// plugin connection over the packet transport.
type CapExecutor interface {
	ExecuteCap(ctx context.Context, capUrn string, arguments []cap.CapArgumentValue, preferredCap string) ([]byte, error)
	HasCap(capUrn string) bool
	GetCap(capUrn string) (*cap.Cap, error)
}

// SettingsProvider supplies overridden default argument values for a cap,
// keyed by argument media URN.
type SettingsProvider interface {
	GetSettings(capUrn string) (map[string]interface{}, error)
}

// Error is the typed error sum for executor failures.
type Error struct {
	Type    string
	NodeID  string
	Message string
}

func (e *Error) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s (node %s): %s", e.Type, e.NodeID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func newErr(kind, nodeID, format string, args ...interface{}) *Error {
	return &Error{Type: kind, NodeID: nodeID, Message: fmt.Sprintf(format, args...)}
}

// NodeStatus is the per-node execution state machine: pending → running →
// (succeeded | failed). No back-edges, no node-level retries.
type NodeStatus int

const (
	StatusPending NodeStatus = iota
	StatusRunning
	StatusSucceeded
	StatusFailed
)

// NodeResult records the outcome of executing a single plan node.
type NodeResult struct {
	NodeID   string
	Status   NodeStatus
	Output   []byte
	Error    string
	Duration time.Duration
}

// ChainExecutionResult is the full outcome of executing a plan.
type ChainExecutionResult struct {
	Success         bool
	NodeResults     []NodeResult
	FinalOutput     []byte
	Error           string
	TotalDurationMs int64
}

// PlanExecutor executes a validated plan against a CapExecutor backend.
type PlanExecutor struct {
	executor  CapExecutor
	plan      *plan.Plan
	inputFiles []binding.InputFile
	slotValues map[string][]byte
	settings   SettingsProvider
}

// New creates a plan executor for the given plan and input files.
func New(exec CapExecutor, p *plan.Plan, inputFiles []binding.InputFile) *PlanExecutor {
	return &PlanExecutor{executor: exec, plan: p, inputFiles: inputFiles, slotValues: map[string][]byte{}}
}

// WithSlotValues supplies user-provided values for Slot bindings and
// preloaded InputSlot nodes.
func (pe *PlanExecutor) WithSlotValues(values map[string][]byte) *PlanExecutor {
	pe.slotValues = values
	return pe
}

// WithSettingsProvider supplies cap-setting argument overrides.
func (pe *PlanExecutor) WithSettingsProvider(provider SettingsProvider) *PlanExecutor {
	pe.settings = provider
	return pe
}

// Execute runs the plan to completion, returning a full execution trace.
func (pe *PlanExecutor) Execute(ctx context.Context) (*ChainExecutionResult, error) {
	start := time.Now()

	order, err := pe.plan.TopologicalOrder()
	if err != nil {
		return nil, err
	}

	outputs := make(map[string][]byte, len(order))
	var results []NodeResult

	incomingByTo := make(map[string][]plan.Edge)
	for _, e := range pe.plan.Edges {
		incomingByTo[e.To] = append(incomingByTo[e.To], e)
	}

	bindCtx := binding.NewContext(pe.inputFiles)
	bindCtx.SlotValues = pe.slotValues
	bindCtx.PreviousOutputs = map[string]interface{}{}

	// handledByForEach tracks nodes a ForEach node already executed once
	// per element on the body's behalf; the outer loop still visits them
	// (they remain in the topological order) but must not re-execute them
	// standalone, which would run the body once against the whole list
	// instead of once per element.
	handledByForEach := make(map[string]bool)

	for _, nodeID := range order {
		node := pe.plan.Nodes[nodeID]
		nodeStart := time.Now()

		var output []byte
		var execErr error
		if handledByForEach[nodeID] {
			output = outputs[nodeID]
		} else {
			output, execErr = pe.executeNode(ctx, node, outputs, incomingByTo, bindCtx)
			if execErr == nil && node.Kind == plan.NodeForEach {
				for _, id := range pe.bodyNodeOrder(order, node.ForEachBodyEntry, node.ForEachBodyExit) {
					handledByForEach[id] = true
				}
			}
		}

		result := NodeResult{NodeID: nodeID, Duration: time.Since(nodeStart)}
		if execErr != nil {
			result.Status = StatusFailed
			result.Error = execErr.Error()
			results = append(results, result)
			return &ChainExecutionResult{
				Success:         false,
				NodeResults:     results,
				Error:           execErr.Error(),
				TotalDurationMs: time.Since(start).Milliseconds(),
			}, nil
		}

		result.Status = StatusSucceeded
		result.Output = output
		results = append(results, result)
		outputs[nodeID] = output

		if node.Kind == plan.NodeCap || node.Kind == plan.NodeCollect || node.Kind == plan.NodeMerge || node.Kind == plan.NodeSplit || node.Kind == plan.NodeForEach {
			var decoded interface{}
			if json.Unmarshal(output, &decoded) == nil {
				bindCtx.PreviousOutputs[nodeID] = decoded
			}
		}
	}

	var finalOutput []byte
	for _, id := range pe.plan.OutputNodes {
		finalOutput = outputs[id]
	}

	return &ChainExecutionResult{
		Success:         true,
		NodeResults:     results,
		FinalOutput:     finalOutput,
		TotalDurationMs: time.Since(start).Milliseconds(),
	}, nil
}

func (pe *PlanExecutor) executeNode(ctx context.Context, node *plan.Node, outputs map[string][]byte, incomingByTo map[string][]plan.Edge, bindCtx *binding.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, newErr("timeout", node.ID, "context cancelled before node could execute: %v", ctx.Err())
	default:
	}

	switch node.Kind {
	case plan.NodeInputSlot:
		value, ok := pe.slotValues[node.SlotName]
		if !ok {
			return nil, newErr("missing-slot", node.ID, "input slot %q has no preloaded value", node.SlotName)
		}
		return value, nil

	case plan.NodeCap:
		return pe.executeCapNode(ctx, node, bindCtx)

	case plan.NodeForEach:
		return pe.executeForEach(ctx, node, outputs, bindCtx)

	case plan.NodeCollect:
		return pe.executeCollect(node, outputs)

	case plan.NodeMerge:
		return pe.executeMerge(node, outputs)

	case plan.NodeSplit:
		return pe.executeSplit(node, outputs)

	case plan.NodeOutput:
		source, ok := outputs[node.OutputSource]
		if !ok {
			return nil, newErr("missing-output-source", node.ID, "output node's source %q has no recorded output", node.OutputSource)
		}
		return source, nil

	default:
		return nil, newErr("unknown-node-kind", node.ID, "unrecognized node kind %d", node.Kind)
	}
}

func (pe *PlanExecutor) executeCapNode(ctx context.Context, node *plan.Node, bindCtx *binding.Context) ([]byte, error) {
	capDef, err := pe.executor.GetCap(node.CapUrn)
	if err != nil {
		return nil, newErr("unknown-cap", node.ID, "cap %s not found: %v", node.CapUrn, err)
	}

	var args []cap.CapArgumentValue
	for _, arg := range capDef.Args {
		b, ok := node.ArgBindings[arg.MediaUrn]
		if !ok {
			if arg.Required {
				return nil, newErr("required-missing", node.ID, "required argument %q has no binding", arg.MediaUrn)
			}
			continue
		}
		resolved, err := binding.Resolve(b, bindCtx, node.CapUrn, arg.DefaultValue, arg.Required)
		if err != nil {
			return nil, newErr("binding-failed", node.ID, "resolving argument %q: %v", arg.MediaUrn, err)
		}
		args = append(args, cap.NewCapArgumentValue(arg.MediaUrn, resolved.Value))
	}

	output, err := pe.executor.ExecuteCap(ctx, node.CapUrn, args, node.PreferredCap)
	if err != nil {
		if ctx.Err() != nil {
			return nil, newErr("timeout", node.ID, "cap execution cancelled: %v", ctx.Err())
		}
		return nil, newErr("execution-failed", node.ID, "cap %s failed: %v", node.CapUrn, err)
	}
	return output, nil
}

// executeForEach iterates over a list-shaped predecessor output, running
// the body subgraph (ForEachBodyEntry..ForEachBodyExit) once per element
// with the element index threaded as the current file index and the
// element itself substituted for the predecessor's output, then writes the
// ordered list of per-element outputs to the body-exit node's own output
// slot for the paired Collect node to aggregate (spec.md §4.8 step 3,
// property P8: per-element count and index order are preserved).
//
// Body nodes other than the exit are re-executed once per element against
// a shared bindCtx/outputs overlay; only the exit node's final aggregated
// value is retained once the loop completes, since nothing outside the
// body ever reads an interior body node's output directly.
func (pe *PlanExecutor) executeForEach(ctx context.Context, node *plan.Node, outputs map[string][]byte, bindCtx *binding.Context) ([]byte, error) {
	input, ok := outputs[node.ForEachInput]
	if !ok {
		return nil, newErr("missing-foreach-input", node.ID, "no output recorded for input node %q", node.ForEachInput)
	}

	var elements []json.RawMessage
	if err := json.Unmarshal(input, &elements); err != nil {
		return nil, newErr("invalid-foreach-input", node.ID, "foreach input is not a JSON array: %v", err)
	}

	order, err := pe.plan.TopologicalOrder()
	if err != nil {
		return nil, newErr("invalid-foreach-body", node.ID, "plan has no valid topological order: %v", err)
	}
	body := pe.bodyNodeOrder(order, node.ForEachBodyEntry, node.ForEachBodyExit)
	if len(body) == 0 {
		return nil, newErr("invalid-foreach-body", node.ID, "body-entry %q cannot reach body-exit %q", node.ForEachBodyEntry, node.ForEachBodyExit)
	}
	exitID := node.ForEachBodyExit

	savedInput, hadInput := bindCtx.PreviousOutputs[node.ForEachInput]
	savedIndex := bindCtx.CurrentFileIndex
	defer func() {
		if hadInput {
			bindCtx.PreviousOutputs[node.ForEachInput] = savedInput
		} else {
			delete(bindCtx.PreviousOutputs, node.ForEachInput)
		}
		bindCtx.CurrentFileIndex = savedIndex
	}()

	results := make([]json.RawMessage, len(elements))
	for i, elem := range elements {
		bindCtx.CurrentFileIndex = i

		var decodedElem interface{}
		if json.Unmarshal(elem, &decodedElem) == nil {
			bindCtx.PreviousOutputs[node.ForEachInput] = decodedElem
		}

		for _, id := range body {
			bodyNode := pe.plan.Nodes[id]
			out, err := pe.executeNode(ctx, bodyNode, outputs, nil, bindCtx)
			if err != nil {
				return nil, newErr("foreach-body-failed", node.ID, "element %d, node %s: %v", i, id, err)
			}
			outputs[id] = out
			var decodedOut interface{}
			if json.Unmarshal(out, &decodedOut) == nil {
				bindCtx.PreviousOutputs[id] = decodedOut
			}
		}
		results[i] = json.RawMessage(outputs[exitID])
	}

	aggregated, err := json.Marshal(results)
	if err != nil {
		return nil, newErr("invalid-foreach-output", node.ID, "encoding per-element results: %v", err)
	}
	outputs[exitID] = aggregated
	var decodedAggregate interface{}
	if json.Unmarshal(aggregated, &decodedAggregate) == nil {
		bindCtx.PreviousOutputs[exitID] = decodedAggregate
	}
	return aggregated, nil
}

// bodyNodeOrder returns the nodes of a ForEach body, from entry to exit
// inclusive, in the same relative order as the plan's own topological
// order — entry and exit coincide for the single-cap bodies this planner
// builds today, but the walk generalizes to a multi-node body wired with
// direct/json-field/json-path edges between entry and exit.
func (pe *PlanExecutor) bodyNodeOrder(order []string, entry, exit string) []string {
	if entry == exit {
		return []string{entry}
	}

	visited := map[string]bool{entry: true}
	queue := []string{entry}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == exit {
			continue
		}
		for _, e := range pe.plan.Edges {
			if e.From != id || visited[e.To] {
				continue
			}
			switch e.Kind {
			case plan.EdgeDirect, plan.EdgeJSONField, plan.EdgeJSONPath:
				visited[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	if !visited[exit] {
		return nil
	}

	result := make([]string, 0, len(visited))
	for _, id := range order {
		if visited[id] {
			result = append(result, id)
		}
	}
	return result
}

// executeCollect aggregates its input nodes' outputs into a JSON array
// with the declared output media URN, preserving input order. A ForEach
// input is special-cased: its output is already the per-element array
// executeForEach built, so its elements are spliced in directly instead of
// being wrapped as a single nested item.
func (pe *PlanExecutor) executeCollect(node *plan.Node, outputs map[string][]byte) ([]byte, error) {
	var items []json.RawMessage
	for _, id := range node.CollectInputs {
		out, ok := outputs[id]
		if !ok {
			return nil, newErr("missing-collect-input", node.ID, "no output recorded for input node %q", id)
		}
		var pred *plan.Node
		if pe.plan != nil {
			pred = pe.plan.Nodes[id]
		}
		if pred != nil && pred.Kind == plan.NodeForEach {
			var elems []json.RawMessage
			if err := json.Unmarshal(out, &elems); err != nil {
				return nil, newErr("invalid-collect-input", node.ID, "foreach input %q is not a JSON array: %v", id, err)
			}
			items = append(items, elems...)
			continue
		}
		items = append(items, json.RawMessage(out))
	}
	return json.Marshal(items)
}

// executeMerge applies the declared Merge strategy. zip-with requires
// equal-length inputs and fails fast on mismatch; first-success retains
// every absorbed failure's detail alongside the winning output (per
// SPEC_FULL.md §6's resolved open question); all-successful filters out
// failed branches; concat appends the byte payloads in order.
func (pe *PlanExecutor) executeMerge(node *plan.Node, outputs map[string][]byte) ([]byte, error) {
	var inputs [][]byte
	for _, id := range node.MergeInputs {
		out, ok := outputs[id]
		if !ok {
			return nil, newErr("missing-merge-input", node.ID, "no output recorded for input node %q", id)
		}
		inputs = append(inputs, out)
	}

	switch node.MergeStrategy {
	case plan.MergeConcat:
		var buf []byte
		for _, in := range inputs {
			buf = append(buf, in...)
		}
		return buf, nil

	case plan.MergeZipWith:
		if len(inputs) == 0 {
			return nil, newErr("merge-length-mismatch", node.ID, "zip-with has no inputs")
		}
		length := -1
		var decoded [][]interface{}
		for _, in := range inputs {
			var arr []interface{}
			if err := json.Unmarshal(in, &arr); err != nil {
				return nil, newErr("merge-length-mismatch", node.ID, "zip-with input is not a JSON array: %v", err)
			}
			if length == -1 {
				length = len(arr)
			} else if len(arr) != length {
				return nil, newErr("merge-length-mismatch", node.ID, "zip-with inputs have mismatched lengths (%d vs %d)", length, len(arr))
			}
			decoded = append(decoded, arr)
		}
		zipped := make([][]interface{}, length)
		for i := 0; i < length; i++ {
			row := make([]interface{}, len(decoded))
			for j, col := range decoded {
				row[j] = col[i]
			}
			zipped[i] = row
		}
		return json.Marshal(zipped)

	case plan.MergeFirstSuccess:
		var details []string
		for _, in := range inputs {
			if len(in) > 0 {
				if len(details) > 0 {
					envelope := map[string]interface{}{
						"result":           json.RawMessage(in),
						"absorbed_failures": details,
					}
					return json.Marshal(envelope)
				}
				return in, nil
			}
			details = append(details, "branch produced no output")
		}
		return nil, newErr("first-success-exhausted", node.ID, "every branch failed: %s", strings.Join(details, "; "))

	case plan.MergeAllSuccessful:
		var successful []json.RawMessage
		for _, in := range inputs {
			if len(in) > 0 {
				successful = append(successful, json.RawMessage(in))
			}
		}
		return json.Marshal(successful)

	default:
		return nil, newErr("unknown-merge-strategy", node.ID, "unrecognized merge strategy %d", node.MergeStrategy)
	}
}

// executeSplit partitions a JSON array input into output-count sub-outputs
// by index, returning the full partitioned set as a JSON array of arrays;
// downstream nodes select their partition via a json-path edge.
func (pe *PlanExecutor) executeSplit(node *plan.Node, outputs map[string][]byte) ([]byte, error) {
	input, ok := outputs[node.SplitInput]
	if !ok {
		return nil, newErr("missing-split-input", node.ID, "no output recorded for input node %q", node.SplitInput)
	}
	var arr []interface{}
	if err := json.Unmarshal(input, &arr); err != nil {
		return nil, newErr("invalid-split-input", node.ID, "split input is not a JSON array: %v", err)
	}
	if node.SplitOutputCount <= 0 {
		return nil, newErr("invalid-split-count", node.ID, "split output-count must be positive")
	}
	partitions := make([][]interface{}, node.SplitOutputCount)
	for i, item := range arr {
		p := i % node.SplitOutputCount
		partitions[p] = append(partitions[p], item)
	}
	return json.Marshal(partitions)
}

// ApplyEdge applies an edge's read-time transform to a predecessor's raw
// output bytes: direct passes through, json-field extracts a top-level
// key, json-path runs the minimal path-extraction subset (spec.md §4.9).
func ApplyEdge(e plan.Edge, sourceOutput []byte) ([]byte, error) {
	switch e.Kind {
	case plan.EdgeDirect, plan.EdgeIteration, plan.EdgeCollection:
		return sourceOutput, nil

	case plan.EdgeJSONField:
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(sourceOutput, &obj); err != nil {
			return nil, fmt.Errorf("field-missing: source output is not a JSON object: %w", err)
		}
		field, ok := obj[e.FieldName]
		if !ok {
			return nil, fmt.Errorf("field-missing: no field %q in source output", e.FieldName)
		}
		return field, nil

	case plan.EdgeJSONPath:
		var decoded interface{}
		if err := json.Unmarshal(sourceOutput, &decoded); err != nil {
			return nil, fmt.Errorf("invalid json-path source: %w", err)
		}
		value, err := extractJSONPath(decoded, e.Path)
		if err != nil {
			return nil, err
		}
		return json.Marshal(value)

	default:
		return nil, fmt.Errorf("unrecognized edge kind %d", e.Kind)
	}
}

// extractJSONPath implements the minimal subset spec.md §4.9 describes:
// `.a.b.c` for nested objects, `.a[i]` for arrays, `.a[*]` to flatten one
// level.
func extractJSONPath(value interface{}, path string) (interface{}, error) {
	path = strings.TrimPrefix(path, ".")
	if path == "" {
		return value, nil
	}

	segment, rest := splitPathSegment(path)

	key, index, isFlatten, hasIndex := parsePathKey(segment)

	obj, ok := value.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("json-path: expected object at segment %q", key)
	}
	next, ok := obj[key]
	if !ok {
		return nil, fmt.Errorf("json-path: no field %q", key)
	}

	if isFlatten {
		arr, ok := next.([]interface{})
		if !ok {
			return nil, fmt.Errorf("json-path: expected array for flatten at %q", key)
		}
		if rest == "" {
			return arr, nil
		}
		var flattened []interface{}
		for _, item := range arr {
			v, err := extractJSONPath(item, rest)
			if err != nil {
				return nil, err
			}
			flattened = append(flattened, v)
		}
		return flattened, nil
	}

	if hasIndex {
		arr, ok := next.([]interface{})
		if !ok {
			return nil, fmt.Errorf("json-path: expected array at %q", key)
		}
		if index < 0 || index >= len(arr) {
			return nil, fmt.Errorf("json-path: index %d out of range for %q", index, key)
		}
		next = arr[index]
	}

	if rest == "" {
		return next, nil
	}
	return extractJSONPath(next, rest)
}

func splitPathSegment(path string) (segment, rest string) {
	for i, r := range path {
		if r == '.' {
			return path[:i], path[i+1:]
		}
	}
	return path, ""
}

func parsePathKey(segment string) (key string, index int, isFlatten bool, hasIndex bool) {
	open := strings.IndexByte(segment, '[')
	if open < 0 {
		return segment, 0, false, false
	}
	key = segment[:open]
	inner := strings.TrimSuffix(segment[open+1:], "]")
	if inner == "*" {
		return key, 0, true, false
	}
	n, err := strconv.Atoi(inner)
	if err != nil {
		return key, 0, false, false
	}
	return key, n, false, true
}
