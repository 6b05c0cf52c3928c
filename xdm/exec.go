package xdm

import "log"

// This file is the Execution Engine (component E): staging instruction
// words into DIR0/DIR0EXEC, moving data through DDR/DDREXEC, and
// interpreting the Debug Status Register bits that report how an
// executed instruction went (§4.E, §8.6).

// ScheduleWriteInstruction stages instr's encoded word into DIR0 without executing
// it. Used ahead of ScheduleWriteDDRAndExecute / ScheduleReadDDRAndExecute,
// which execute whatever instruction was most recently staged this way.
func (s *Session) ScheduleWriteInstruction(instr Instruction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduleWriteInstruction(instr)
}

func (s *Session) scheduleWriteInstruction(instr Instruction) {
	s.scheduleDbgWrite(narDIR0, instr.Encoded)
	s.lastInstruction = &instr
}

// ScheduleExecuteInstruction stages instr into DIR0EXEC, which both
// writes and executes it, then waits for completion unless instr is
// known to complete within a single debug cycle.
func (s *Session) ScheduleExecuteInstruction(instr Instruction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduleExecuteInstruction(instr)
}

func (s *Session) scheduleExecuteInstruction(instr Instruction) {
	s.scheduleDbgWrite(narDIR0EXEC, instr.Encoded)
	s.lastInstruction = &instr
	if !instr.completesInstantly() {
		s.scheduleWaitForExecDone()
	}
}

// ScheduleWriteDDR stages a value into the Debug Data Register without
// executing anything.
func (s *Session) ScheduleWriteDDR(value uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduleDbgWrite(narDDR, value)
}

// ScheduleReadDDR schedules a read of the Debug Data Register and
// returns a Handle for its eventual uint32 value.
func (s *Session) ScheduleReadDDR() Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduleDbgRead(narDDR)
}

// ScheduleWriteDDRAndExecute writes value into DDREXEC, which both
// loads DDR and executes the instruction most recently staged by
// ScheduleWriteInstruction or ScheduleExecuteInstruction, then waits
// for completion unless that instruction is known to finish instantly.
// If no instruction has been staged yet, the write still goes out —
// the core's prior DIR0 contents decide what runs — but a log line
// flags the likely mistake.
func (s *Session) ScheduleWriteDDRAndExecute(value uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastInstruction == nil {
		log.Printf("xdm: ScheduleWriteDDRAndExecute called with no instruction staged")
	}
	s.scheduleDbgWrite(narDDREXEC, value)
	s.scheduleWaitForLastInstruction()
}

// ScheduleReadDDRAndExecute schedules a read of DDREXEC — loading the
// result of the most recently staged instruction while executing it —
// and returns a Handle for the value read.
func (s *Session) ScheduleReadDDRAndExecute() Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastInstruction == nil {
		log.Printf("xdm: ScheduleReadDDRAndExecute called with no instruction staged")
	}
	h := s.scheduleDbgRead(narDDREXEC)
	s.scheduleWaitForLastInstruction()
	return h
}

// scheduleWaitForLastInstruction applies the wait-suppression policy
// for whatever instruction was most recently staged. If none is known
// — the caller hit ScheduleWriteDDRAndExecute/ScheduleReadDDRAndExecute
// without ever staging one — there is nothing to wait for, so no wait
// is appended (§8 S6; DESIGN.md's resolved Open Question).
func (s *Session) scheduleWaitForLastInstruction() {
	if s.lastInstruction == nil || s.lastInstruction.completesInstantly() {
		return
	}
	s.scheduleWaitForExecDone()
}

// scheduleWaitForExecDone schedules a Debug Status read whose transform
// classifies the instruction-execution outcome, per
// transformInstructionStatus's priority order.
func (s *Session) scheduleWaitForExecDone() {
	s.scheduleDbgReadAndTransform(narDSR, transformInstructionStatus)
}

// transformInstructionStatus decodes a Debug Status snapshot taken
// while polling for instruction completion. Overrun outranks exception,
// which outranks busy, which outranks plain done; a status with none of
// those bits set means the core ignored the instruction outright (most
// often because it isn't halted).
func transformInstructionStatus(_ Command, captured []byte) (Result, error) {
	status := decodeDebugStatus(loadLE32(captured))

	switch {
	case status.ExecOverrun:
		return Result{}, &ExecError{Kind: ExecOverrunKind}
	case status.ExecException:
		return Result{}, &ExecError{Kind: ExecExceptionKind}
	case status.ExecBusy:
		return Result{}, &ExecError{Kind: ExecBusyKind}
	case status.ExecDone:
		return Result{Kind: ResultNone}, nil
	default:
		return Result{}, &ExecError{Kind: InstructionIgnoredKind}
	}
}
