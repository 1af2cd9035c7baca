package mem

import (
	"sort"

	"lendos/kernel/kfmt"
	"lendos/kernel/mm"
)

// Stats is a snapshot of the frame and address space accounting.
type Stats struct {
	TotalFrames    uint32
	FreeFrames     uint32
	ReservedFrames uint32

	// OwnedFrames counts the frames owned by each process that holds at
	// least one frame, including its translation tables.
	OwnedFrames map[mm.PID]uint32

	Processes   int
	ASIDsInUse  int
	ActiveLoans int
}

// Stats returns the current accounting snapshot.
func (m *Manager) Stats() Stats {
	defer m.leave(m.enter())

	stats := Stats{
		TotalFrames:    m.frames.TotalFrames(),
		FreeFrames:     m.frames.FreeFrames(),
		ReservedFrames: m.frames.ReservedFrames(),
		OwnedFrames:    make(map[mm.PID]uint32),
		Processes:      len(m.spaces),
		ASIDsInUse:     m.asids.InUse(),
		ActiveLoans:    m.loans.len(),
	}

	for _, pid := range m.frames.Owners() {
		stats.OwnedFrames[pid] = m.frames.FramesOwnedBy(pid)
	}
	return stats
}

// PrintStats logs the accounting snapshot.
func (m *Manager) PrintStats() {
	stats := m.Stats()

	kfmt.Printf("[mem] frames: %d total, %d free, %d reserved\n", stats.TotalFrames, stats.FreeFrames, stats.ReservedFrames)

	pids := make([]mm.PID, 0, len(stats.OwnedFrames))
	for pid := range stats.OwnedFrames {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	for _, pid := range pids {
		kfmt.Printf("[mem] pid %d: %d frames\n", uint32(pid), stats.OwnedFrames[pid])
	}
	kfmt.Printf("[mem] %d processes, %d ASIDs in use, %d active loans\n", stats.Processes, stats.ASIDsInUse, stats.ActiveLoans)
}
