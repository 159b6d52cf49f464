package bringup

import "fmt"

// State of a bring-up session.
type State int

const (
	Idle State = iota
	Start
	SetUartClock
	SetUartBaud1
	ReadLocalName
	CheckLocalRevision
	CheckLocalName
	DLMinidriver
	DLFwPatch
	SetUartBaud2
	ReadBDAddr
	SetBDAddr
)

var stateNames = map[State]string{
	Idle:               "idle",
	Start:              "start",
	SetUartClock:       "set uart clock",
	SetUartBaud1:       "set uart baud 1",
	ReadLocalName:      "read local name",
	CheckLocalRevision: "check local revision",
	CheckLocalName:     "check local name",
	DLMinidriver:       "download minidriver",
	DLFwPatch:          "download fw patch",
	SetUartBaud2:       "set uart baud 2",
	ReadBDAddr:         "read bd addr",
	SetBDAddr:          "set bd addr",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type actionKind int

const (
	actSend actionKind = iota
	actReenter
	actDone
	actFail
)

// action is what a transition asks the machine to do next.
type action struct {
	kind  actionKind
	frame []byte
	err   error
}

func send(frame []byte) action { return action{kind: actSend, frame: frame} }
func reenter() action          { return action{kind: actReenter} }
func finished() action         { return action{kind: actDone} }
func abort(err error) action   { return action{kind: actFail, err: err} }
