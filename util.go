package glue

import (
	"sync"
)

// makes a copy of the list on update so that `Get` can be iterated without
// holding the lock
type CallbackList[T any] struct {
	mutex     sync.Mutex
	callbacks []*callbackEntry[T]
	nextId    int
}

type callbackEntry[T any] struct {
	callbackId int
	callback   T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	callbacks := make([]T, len(self.callbacks))
	for i, entry := range self.callbacks {
		callbacks[i] = entry.callback
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	callbackId := self.nextId
	self.nextId += 1
	nextCallbacks := make([]*callbackEntry[T], len(self.callbacks), len(self.callbacks)+1)
	copy(nextCallbacks, self.callbacks)
	nextCallbacks = append(nextCallbacks, &callbackEntry[T]{
		callbackId: callbackId,
		callback:   callback,
	})
	self.callbacks = nextCallbacks
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	i := -1
	for j, entry := range self.callbacks {
		if entry.callbackId == callbackId {
			i = j
			break
		}
	}
	if i < 0 {
		// not present
		return
	}
	nextCallbacks := make([]*callbackEntry[T], 0, len(self.callbacks)-1)
	nextCallbacks = append(nextCallbacks, self.callbacks[0:i]...)
	nextCallbacks = append(nextCallbacks, self.callbacks[i+1:]...)
	self.callbacks = nextCallbacks
}

// all callbacks are invoked behind a recover so that one bad callback cannot
// take down the delivery loop
func safeInvoke(callback func()) {
	defer func() {
		recover()
	}()
	callback()
}

// an unsubscribe function that is safe to call multiple times.
// the wrapped function runs at most once.
func once(unsub func()) func() {
	var mutex sync.Mutex
	done := false
	return func() {
		mutex.Lock()
		if done {
			mutex.Unlock()
			return
		}
		done = true
		mutex.Unlock()
		unsub()
	}
}
