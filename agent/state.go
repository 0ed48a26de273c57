package agent

import (
	"fmt"

	"github.com/BaSui01/hybridrag/types"
)

// TurnState 单轮问答的生命周期状态
type TurnState string

const (
	StateReceived          TurnState = "RECEIVED"
	StateSessionResolved   TurnState = "SESSION_RESOLVED"
	StateToolsSelected     TurnState = "TOOLS_SELECTED"
	StateRetrievalComplete TurnState = "RETRIEVAL_COMPLETE"
	StateSynthesized       TurnState = "SYNTHESIZED"
	StatePersisted         TurnState = "PERSISTED"
	StateDiscarded         TurnState = "DISCARDED"
)

// validTransitions 定义合法的状态转换；任何非终态都可以直接丢弃
var validTransitions = map[TurnState][]TurnState{
	StateReceived:          {StateSessionResolved, StateDiscarded},
	StateSessionResolved:   {StateToolsSelected, StateDiscarded},
	StateToolsSelected:     {StateRetrievalComplete, StateDiscarded},
	StateRetrievalComplete: {StateSynthesized, StateDiscarded},
	StateSynthesized:       {StatePersisted, StateDiscarded},
}

// CanTransition 检查状态转换是否合法
func CanTransition(from, to TurnState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal 是否为终态
func (s TurnState) Terminal() bool {
	return s == StatePersisted || s == StateDiscarded
}

// ErrInvalidTransition 非法状态转换错误
type ErrInvalidTransition struct {
	From TurnState
	To   TurnState
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid turn transition: %s -> %s", e.From, e.To)
}

// turn 记录一轮的状态轨迹，只在单个 goroutine 内推进
type turn struct {
	state TurnState
	trace []TurnState
}

func newTurn() *turn {
	return &turn{state: StateReceived, trace: []TurnState{StateReceived}}
}

func (t *turn) advance(to TurnState) error {
	if !CanTransition(t.state, to) {
		cause := ErrInvalidTransition{From: t.state, To: to}
		return types.NewError(types.ErrInvalidTransition, cause.Error()).WithCause(cause)
	}
	t.state = to
	t.trace = append(t.trace, to)
	return nil
}

// discard 在非终态时转入 DISCARDED，已是终态则保持不变
func (t *turn) discard() {
	if !t.state.Terminal() {
		_ = t.advance(StateDiscarded)
	}
}

func (t *turn) states() []TurnState {
	out := make([]TurnState, len(t.trace))
	copy(out, t.trace)
	return out
}
