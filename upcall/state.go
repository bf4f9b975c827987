// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package upcall

import (
	"container/list"
	"time"
)

// State is the externally visible lifecycle state of an Op
type State int

const (
	StateUnknown State = iota
	StateWaiting
	StateInProgress
	StateServiced
)

func (state State) String() string {
	switch state {
	case StateWaiting:
		return "Waiting"
	case StateInProgress:
		return "InProgress"
	case StateServiced:
		return "Serviced"
	default:
		return "Unknown"
	}
}

// opState is one of stateUnknown, stateWaiting, stateInProgress, or
// stateServiced. Each legal transition is a method on its predecessor.
type opState interface {
	State() State
}

type stateUnknown struct{}

type stateWaiting struct {
	element  *list.Element
	queuedAt time.Time
}

type stateInProgress struct {
	queuedAt   time.Time
	dequeuedAt time.Time
}

type stateServiced struct {
	servicedAt time.Time
}

func (stateUnknown) State() State    { return StateUnknown }
func (stateWaiting) State() State    { return StateWaiting }
func (stateInProgress) State() State { return StateInProgress }
func (stateServiced) State() State   { return StateServiced }

func (stateUnknown) enqueue(element *list.Element) stateWaiting {
	return stateWaiting{element: element, queuedAt: time.Now()}
}

func (state stateServiced) reset() stateUnknown {
	return stateUnknown{}
}

func (state stateWaiting) dequeue() stateInProgress {
	return stateInProgress{queuedAt: state.queuedAt, dequeuedAt: time.Now()}
}

func (state stateWaiting) unqueue() stateUnknown {
	return stateUnknown{}
}

func (state stateInProgress) service() stateServiced {
	return stateServiced{servicedAt: time.Now()}
}

func (state stateInProgress) abandon() stateUnknown {
	return stateUnknown{}
}
