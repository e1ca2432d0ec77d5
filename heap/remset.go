// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

import (
	"slices"
	"sync"
)

// RemSet is the remembered set of a region: the cards, located in other
// regions, that may hold references into it.
type RemSet struct {
	mu    sync.Mutex
	cards map[int]struct{}
}

func newRemSet() *RemSet {
	return &RemSet{cards: make(map[int]struct{})}
}

// AddCard records that card may point into the owning region.
func (rs *RemSet) AddCard(card int) {
	rs.mu.Lock()
	rs.cards[card] = struct{}{}
	rs.mu.Unlock()
}

// AddCards records a batch of cards under one lock acquisition.
func (rs *RemSet) AddCards(cards []int) {
	rs.mu.Lock()
	for _, c := range cards {
		rs.cards[c] = struct{}{}
	}
	rs.mu.Unlock()
}

// Contains reports whether card is recorded.
func (rs *RemSet) Contains(card int) bool {
	rs.mu.Lock()
	_, ok := rs.cards[card]
	rs.mu.Unlock()
	return ok
}

// Cards returns the recorded cards in ascending order.
func (rs *RemSet) Cards() []int {
	rs.mu.Lock()
	out := make([]int, 0, len(rs.cards))
	for c := range rs.cards {
		out = append(out, c)
	}
	rs.mu.Unlock()
	slices.Sort(out)
	return out
}

// Len returns the number of recorded cards.
func (rs *RemSet) Len() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.cards)
}

// Filter drops every card for which keep returns false.
func (rs *RemSet) Filter(keep func(card int) bool) {
	rs.mu.Lock()
	for c := range rs.cards {
		if !keep(c) {
			delete(rs.cards, c)
		}
	}
	rs.mu.Unlock()
}

// Clear forgets every card.
func (rs *RemSet) Clear() {
	rs.mu.Lock()
	clear(rs.cards)
	rs.mu.Unlock()
}
