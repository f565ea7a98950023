package ingest

import "sync"

// AddressMap is the intra-process bidirectional translation table between
// an SPL mint address and its bonding-curve account address, maintained by
// the account-update handler for O(1) lookups in either direction.
type AddressMap struct {
	mu          sync.RWMutex
	mintToCurve map[string]string
	curveToMint map[string]string
}

// NewAddressMap creates an empty AddressMap.
func NewAddressMap() *AddressMap {
	return &AddressMap{
		mintToCurve: make(map[string]string),
		curveToMint: make(map[string]string),
	}
}

// Put records the (mint, curve) pair, overwriting any prior mapping for
// either side.
func (a *AddressMap) Put(mint, curve string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mintToCurve[mint] = curve
	a.curveToMint[curve] = mint
}

// Curve returns the bonding-curve address for a mint, if known.
func (a *AddressMap) Curve(mint string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	c, ok := a.mintToCurve[mint]
	return c, ok
}

// Mint returns the SPL mint address for a bonding-curve account, if known.
func (a *AddressMap) Mint(curve string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.curveToMint[curve]
	return m, ok
}

// Len returns the number of tracked pairs.
func (a *AddressMap) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.mintToCurve)
}
