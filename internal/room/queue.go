package room

import (
	"time"

	"github.com/google/uuid"
	"github.com/watchroom/watchroom/internal/media"
)

// Queue edits operate on Authority under the room's mutation lock. They
// deliberately do not touch LastMutation unless they change which item is
// playing: editing upcoming entries must not rebase the extrapolation
// clock of the item currently on screen.

func (a *Authority) addToQueue(item media.Item) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	a.Queue = append(a.Queue, item)
}

// removeFromQueue drops the entry at index. The currently playing entry
// cannot be removed. Reports whether the queue changed.
func (a *Authority) removeFromQueue(index int) bool {
	if index < 0 || index >= len(a.Queue) || index == a.PlayingIndex {
		return false
	}
	a.Queue = append(a.Queue[:index], a.Queue[index+1:]...)
	if a.PlayingIndex > index {
		a.PlayingIndex--
	}
	return true
}

// reorderQueue moves the entry at oldIndex to newIndex, keeping
// PlayingIndex tracking the same item it pointed at before.
func (a *Authority) reorderQueue(oldIndex, newIndex int) bool {
	n := len(a.Queue)
	if oldIndex < 0 || oldIndex >= n || newIndex < 0 || newIndex >= n || oldIndex == newIndex {
		return false
	}

	item := a.Queue[oldIndex]
	a.Queue = append(a.Queue[:oldIndex], a.Queue[oldIndex+1:]...)
	a.Queue = append(a.Queue[:newIndex], append([]media.Item{item}, a.Queue[newIndex:]...)...)

	switch {
	case a.PlayingIndex == oldIndex:
		a.PlayingIndex = newIndex
	case oldIndex < a.PlayingIndex && a.PlayingIndex <= newIndex:
		a.PlayingIndex--
	case newIndex <= a.PlayingIndex && a.PlayingIndex < oldIndex:
		a.PlayingIndex++
	}
	return true
}

func (a *Authority) togglePin(index int) bool {
	if index < 0 || index >= len(a.Queue) {
		return false
	}
	a.Queue[index].Pinned = !a.Queue[index].Pinned
	return true
}

// playFromQueue starts the entry at index. The previously playing entry is
// dropped from the queue unless pinned; the target index is adjusted if the
// drop shifted it. Returns the item now playing, or nil if index was bad.
func (a *Authority) playFromQueue(index int, now time.Time) *media.Item {
	if old := a.PlayingIndex; old >= 0 && old < len(a.Queue) && !a.Queue[old].Pinned {
		a.Queue = append(a.Queue[:old], a.Queue[old+1:]...)
		if index > old {
			index--
		}
	}
	if index < 0 || index >= len(a.Queue) {
		return nil
	}

	item := a.Queue[index]
	a.Current = &item
	a.Position = 0
	a.IsPlaying = true
	a.PlayingIndex = index
	a.LastMutation = now
	return &item
}

// advance moves to the next entry when the current item finishes. A pinned
// entry stays in the queue and playback moves past it (wrapping to the
// start); an unpinned entry is removed and the next entry slides into its
// slot. Returns the item now playing, or nil when the queue ran out.
func (a *Authority) advance(now time.Time) *media.Item {
	idx := a.PlayingIndex
	wasPinned := false
	if idx >= 0 && idx < len(a.Queue) {
		wasPinned = a.Queue[idx].Pinned
		if !wasPinned {
			a.Queue = append(a.Queue[:idx], a.Queue[idx+1:]...)
		}
	}

	var next int
	if wasPinned {
		next = idx + 1
		if next >= len(a.Queue) {
			next = 0
		}
	} else {
		next = idx
		if next > len(a.Queue)-1 {
			next = len(a.Queue) - 1
		}
	}

	if len(a.Queue) == 0 || next < 0 {
		a.Current = nil
		a.IsPlaying = false
		a.PlayingIndex = -1
		a.Position = 0
		a.LastMutation = now
		return nil
	}

	item := a.Queue[next]
	a.Current = &item
	a.Position = 0
	a.IsPlaying = true
	a.PlayingIndex = next
	a.LastMutation = now
	return &item
}
