package blockqueue

import "slices"

// numberSet keeps the pending block numbers in ascending order.
type numberSet struct {
	numbers []uint64
}

func newNumberSet(from uint64, to uint64) *numberSet {
	var ns numberSet
	if to < from {
		return &ns
	}

	ns.numbers = make([]uint64, 0, to-from+1)
	for n := from; n <= to; n++ {
		ns.numbers = append(ns.numbers, n)
	}

	return &ns
}

func (ns *numberSet) add(number uint64) bool {
	i, found := slices.BinarySearch(ns.numbers, number)
	if found {
		return false
	}

	ns.numbers = slices.Insert(ns.numbers, i, number)
	return true
}

func (ns *numberSet) remove(number uint64) bool {
	i, found := slices.BinarySearch(ns.numbers, number)
	if !found {
		return false
	}

	ns.numbers = slices.Delete(ns.numbers, i, i+1)
	return true
}

func (ns *numberSet) contains(number uint64) bool {
	_, found := slices.BinarySearch(ns.numbers, number)
	return found
}

func (ns *numberSet) peek() (uint64, bool) {
	if len(ns.numbers) == 0 {
		return 0, false
	}

	return ns.numbers[0], true
}

func (ns *numberSet) poll() (uint64, bool) {
	number, ok := ns.peek()
	if ok {
		ns.numbers = ns.numbers[1:]
	}

	return number, ok
}

func (ns *numberSet) max() (uint64, bool) {
	if len(ns.numbers) == 0 {
		return 0, false
	}

	return ns.numbers[len(ns.numbers)-1], true
}

func (ns *numberSet) size() int {
	return len(ns.numbers)
}

func (ns *numberSet) clear() {
	ns.numbers = nil
}

func (ns *numberSet) list() []uint64 {
	return slices.Clone(ns.numbers)
}
