package proc

// vcoreMapping is one vcoremap entry: the pcore a vcore runs on
type vcoreMapping struct {
	pcore int
	valid bool
}

// pcoreMapping is the inverse entry: the vcore a pcore hosts
type pcoreMapping struct {
	vcore int
	valid bool
}

// procInfo is the process-visible view of its cores. All access happens
// under the owning process's lock.
type procInfo struct {
	vcoremap  []vcoreMapping
	pcoremap  []pcoreMapping
	numVcores int
	maxVcores int
}

func newProcInfo(ncores int) procInfo {
	return procInfo{
		vcoremap:  make([]vcoreMapping, ncores),
		pcoremap:  make([]pcoreMapping, ncores),
		maxVcores: max(1, ncores-1),
	}
}

func (pi *procInfo) reset() {
	clear(pi.vcoremap)
	clear(pi.pcoremap)
	pi.numVcores = 0
}

func (pi *procInfo) mapVcore(vcoreid, pcoreid int) {
	if vcoreid < 0 || vcoreid >= len(pi.vcoremap) || pcoreid < 0 || pcoreid >= len(pi.pcoremap) {
		invariant("map vcore %d to pcore %d out of range", vcoreid, pcoreid)
	}
	pi.vcoremap[vcoreid] = vcoreMapping{pcore: pcoreid, valid: true}
	pi.pcoremap[pcoreid] = pcoreMapping{vcore: vcoreid, valid: true}
}

func (pi *procInfo) unmapVcore(vcoreid int) {
	pi.vcoremap[vcoreid].valid = false
	pi.pcoremap[pi.vcoremap[vcoreid].pcore].valid = false
}

// freeVcoreid returns the first unmapped vcore at or after prev. The second
// result is false when the scan reached the end of the table.
func (pi *procInfo) freeVcoreid(prev int) (int, bool) {
	i := prev
	for ; i < len(pi.vcoremap); i++ {
		if !pi.vcoremap[i].valid {
			break
		}
	}
	return i, i+1 < len(pi.vcoremap)
}

// busyVcoreid returns the first mapped vcore at or after prev.
func (pi *procInfo) busyVcoreid(prev int) (int, bool) {
	i := prev
	for ; i < len(pi.vcoremap); i++ {
		if pi.vcoremap[i].valid {
			break
		}
	}
	return i, i+1 < len(pi.vcoremap)
}

func (pi *procInfo) isMappedPcore(pcoreid int) bool {
	return pcoreid >= 0 && pcoreid < len(pi.pcoremap) && pi.pcoremap[pcoreid].valid
}

// vcoreid returns the vcore on pcoreid, which must be mapped.
func (pi *procInfo) vcoreid(pcoreid int) int {
	if !pi.isMappedPcore(pcoreid) {
		invariant("pcore %d is not mapped", pcoreid)
	}
	return pi.pcoremap[pcoreid].vcore
}

// busyVcores lists mapped vcores in ascending order
func (pi *procInfo) busyVcores() []int {
	var out []int
	for v, e := range pi.vcoremap {
		if e.valid {
			out = append(out, v)
		}
	}
	return out
}

// consistent reports whether the forward and inverse maps agree.
func (pi *procInfo) consistent() bool {
	for v, e := range pi.vcoremap {
		if e.valid {
			inv := pi.pcoremap[e.pcore]
			if !inv.valid || inv.vcore != v {
				return false
			}
		}
	}
	for pc, e := range pi.pcoremap {
		if e.valid {
			fwd := pi.vcoremap[e.vcore]
			if !fwd.valid || fwd.pcore != pc {
				return false
			}
		}
	}
	return true
}

// packed reports whether vcores 0..numVcores-1 are all mapped
func (pi *procInfo) packed() bool {
	for i := 0; i < pi.numVcores; i++ {
		if !pi.vcoremap[i].valid {
			return false
		}
	}
	return true
}
