package activedirectory

import "context"

// WalkStep is one visited container during a tree walk, with its immediate
// children partitioned into sub-containers and leaf items.
type WalkStep struct {
	Container  *Object
	Containers []*Object
	Items      []*Object
}

// TreeWalk is a depth-first cursor over a directory subtree: one container
// per step, parent emitted before its children, each step costing one
// directory query. The walk is single-pass and finite on acyclic trees;
// restart by calling Walk again.
type TreeWalk struct {
	ctx   context.Context
	stack []*Object
	step  *WalkStep
	err   error
}

// Walk starts a depth-first traversal rooted at this object. The root must
// be a container.
func (o *Object) Walk(ctx context.Context) *TreeWalk {
	return &TreeWalk{ctx: ctx, stack: []*Object{o}}
}

// Next advances to the next container. It returns false when the subtree is
// exhausted or a query failed; Err distinguishes the two.
func (w *TreeWalk) Next() bool {
	w.step = nil
	if w.err != nil || len(w.stack) == 0 {
		return false
	}

	container := w.stack[len(w.stack)-1]
	w.stack = w.stack[:len(w.stack)-1]

	children, err := container.Children(w.ctx)
	if err != nil {
		w.err = err
		return false
	}
	defer children.Close()

	step := &WalkStep{Container: container}
	for children.Next() {
		child := children.Object()
		if child.IsContainer() {
			step.Containers = append(step.Containers, child)
		} else {
			step.Items = append(step.Items, child)
		}
	}
	if err := children.Err(); err != nil {
		w.err = err
		return false
	}

	// Child containers are pushed in reverse so the walk descends into them
	// in server order.
	for i := len(step.Containers) - 1; i >= 0; i-- {
		w.stack = append(w.stack, step.Containers[i])
	}

	w.step = step
	return true
}

// Step returns the current step. It is valid until the next call to Next.
func (w *TreeWalk) Step() *WalkStep {
	return w.step
}

// Err returns the first error the walk hit, if any.
func (w *TreeWalk) Err() error {
	return w.err
}

// All drains the walk and returns every step.
func (w *TreeWalk) All() ([]*WalkStep, error) {
	var steps []*WalkStep
	for w.Next() {
		steps = append(steps, w.Step())
	}

	return steps, w.Err()
}

// FlatWalk is a cursor over all leaf items beneath an object, in walk
// order.
type FlatWalk struct {
	walk  *TreeWalk
	queue []*Object
	item  *Object
}

// Flat returns a cursor over every non-container descendant of this
// object, derived from Walk.
func (o *Object) Flat(ctx context.Context) *FlatWalk {
	return &FlatWalk{walk: o.Walk(ctx)}
}

// Next advances to the next item.
func (f *FlatWalk) Next() bool {
	f.item = nil
	for len(f.queue) == 0 {
		if !f.walk.Next() {
			return false
		}
		f.queue = append(f.queue, f.walk.Step().Items...)
	}

	f.item = f.queue[0]
	f.queue = f.queue[1:]
	return true
}

// Object returns the current item. It is valid until the next call to Next.
func (f *FlatWalk) Object() *Object {
	return f.item
}

// Err returns the first error the traversal hit, if any.
func (f *FlatWalk) Err() error {
	return f.walk.Err()
}

// All drains the cursor and returns every item.
func (f *FlatWalk) All() ([]*Object, error) {
	var items []*Object
	for f.Next() {
		items = append(items, f.Object())
	}

	return items, f.Err()
}
