package activedirectory

// Results is a lazy cursor over search matches. Entries stream from the
// backend page by page and are wrapped into Objects as the caller pulls
// them, so iteration can stop at any point without fetching the rest.
// Results are single-pass; a fresh query is a fresh cursor.
//
//	results, err := session.Search(ctx, Eq("objectCategory", "person"))
//	if err != nil {
//		return err
//	}
//	defer results.Close()
//	for results.Next() {
//		fmt.Println(results.Object().DN())
//	}
//	if err := results.Err(); err != nil {
//		return err
//	}
type Results struct {
	session *Session
	stream  EntryStream
	current *Object
	err     error
	closed  bool
}

func newResults(session *Session, stream EntryStream) *Results {
	return &Results{session: session, stream: stream}
}

// Next advances to the next match, returning false when the results are
// exhausted or an error occurred; Err distinguishes the two. Exhaustion
// closes the cursor.
func (r *Results) Next() bool {
	r.current = nil
	if r.err != nil || r.closed {
		return false
	}

	if r.stream.Next() {
		obj, err := newObjectFromEntry(r.session, r.stream.Entry())
		if err != nil {
			r.err = err
			_ = r.Close()
			return false
		}
		r.current = obj
		return true
	}

	if err := r.stream.Err(); err != nil {
		r.err = err
	}
	_ = r.Close()

	return false
}

// Object returns the current match. It is valid until the next call to
// Next.
func (r *Results) Object() *Object {
	return r.current
}

// Err returns the first error encountered while iterating, if any.
func (r *Results) Err() error {
	return r.err
}

// Close releases the cursor early, abandoning any unfetched pages. Safe to
// call more than once.
func (r *Results) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	return r.stream.Close()
}

// All drains the cursor and returns every match.
func (r *Results) All() ([]*Object, error) {
	defer r.Close()

	var objects []*Object
	for r.Next() {
		objects = append(objects, r.Object())
	}

	return objects, r.Err()
}

// First returns the first match and closes the cursor. Absence is the
// false return, not an error.
func (r *Results) First() (*Object, bool, error) {
	defer r.Close()

	if r.Next() {
		return r.Object(), true, nil
	}
	if err := r.Err(); err != nil {
		return nil, false, err
	}

	return nil, false, nil
}
