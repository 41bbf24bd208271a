package devnet

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Registry holds the authorized validator domains and approved beneficiaries.
type Registry struct {
	mu            sync.RWMutex
	validators    map[common.Address]bool
	beneficiaries map[common.Address]bool
}

func NewRegistry() *Registry {
	return &Registry{
		validators:    make(map[common.Address]bool),
		beneficiaries: make(map[common.Address]bool),
	}
}

func (r *Registry) AuthorizeValidator(v common.Address) { r.set(r.validators, v, true) }
func (r *Registry) RevokeValidator(v common.Address)    { r.set(r.validators, v, false) }
func (r *Registry) ApproveBeneficiary(b common.Address) { r.set(r.beneficiaries, b, true) }
func (r *Registry) RevokeBeneficiary(b common.Address)  { r.set(r.beneficiaries, b, false) }

func (r *Registry) IsAuthorizedValidator(v common.Address) bool { return r.get(r.validators, v) }
func (r *Registry) IsApprovedBeneficiary(b common.Address) bool { return r.get(r.beneficiaries, b) }

func (r *Registry) set(m map[common.Address]bool, a common.Address, v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v {
		m[a] = true
	} else {
		delete(m, a)
	}
}

func (r *Registry) get(m map[common.Address]bool, a common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return m[a]
}
