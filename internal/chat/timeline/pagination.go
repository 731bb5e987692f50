package timeline

// BeginLoad marks the partner as loading older history. Returns false when a
// load is already in flight, the beginning was already reached, or the
// partner is unknown. Callers treat false as "nothing to do".
func (c *Cache) BeginLoad(partnerID string) bool {
	e := c.entry(partnerID)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.loading || e.reachedBeginning {
		return false
	}
	e.loading = true
	return true
}

// FinishLoad clears the busy flag and records whether the true beginning of
// history was reached.
func (c *Cache) FinishLoad(partnerID string, reachedBeginning bool) {
	e := c.entry(partnerID)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.loading = false
	if reachedBeginning {
		e.reachedBeginning = true
	}
}

// Loading reports whether a backward page is in flight for the partner.
func (c *Cache) Loading(partnerID string) bool {
	e := c.entry(partnerID)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loading
}

// ReachedBeginning reports whether pagination hit the start of history.
func (c *Cache) ReachedBeginning(partnerID string) bool {
	e := c.entry(partnerID)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reachedBeginning
}
