package watcher

// seenRecently reports whether key is among the last notifications handled,
// remembering it if not. Writes made by this process arrive here after they
// were already published.
func (w *Watcher) seenRecently(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, v := range w.recent {
		if v == key {
			return true
		}
	}
	w.recent[w.recentI] = key
	w.recentI = (w.recentI + 1) % len(w.recent)
	return false
}
