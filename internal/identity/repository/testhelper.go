package repository

import "tracklist-api/backend/internal/identity/domain"

// Test hooks on MemoryRepository for changing accounts after a session began. Callers must not
// use in production.

// Delete removes an identity.
func (r *MemoryRepository) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.byID[id]; ok {
		delete(r.byEmail, i.Email)
		delete(r.byID, id)
	}
}

// Update replaces the stored role and status of an existing identity.
func (r *MemoryRepository) Update(id string, role domain.Role, status domain.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.byID[id]; ok {
		i.Role = role
		i.Status = status
	}
}
