package xdm

// This file is the Nexus Register Catalog (component B): typed,
// side-effect-free descriptions of every debug register reachable
// through the NAR/NDR transaction pair. Registers only know how to
// encode and decode their own bits; scheduling the JTAG shifts that
// move those bits is the session's job (session.go, exec.go).

// PowerControl is the 8-bit PowerControl TAP register (not reached via
// NAR/NDR; it has its own TAP instruction).
//
// Asserting JtagDebugUse must be a dedicated write: any write to this
// register while the bit is already set also clears it.
type PowerControl struct {
	CoreWakeup   bool
	MemWakeup    bool
	DebugWakeup  bool
	CoreReset    bool
	DebugReset   bool
	JtagDebugUse bool
}

func (p PowerControl) encode() byte {
	var b byte
	if p.CoreWakeup {
		b |= 1 << 0
	}
	if p.MemWakeup {
		b |= 1 << 1
	}
	if p.DebugWakeup {
		b |= 1 << 2
	}
	if p.CoreReset {
		b |= 1 << 4
	}
	if p.DebugReset {
		b |= 1 << 6
	}
	if p.JtagDebugUse {
		b |= 1 << 7
	}
	return b
}

// PowerStatus is the 8-bit PowerStatus TAP register. CoreWasReset and
// DebugWasReset are sticky: hardware sets them, and writing 1 clears
// them again.
type PowerStatus struct {
	CoreDomainOn    bool
	MemDomainOn     bool
	DebugDomainOn   bool
	CoreStillNeeded bool
	CoreWasReset    bool
	DebugWasReset   bool
}

func decodePowerStatus(b byte) PowerStatus {
	return PowerStatus{
		CoreDomainOn:    b&(1<<0) != 0,
		MemDomainOn:     b&(1<<1) != 0,
		DebugDomainOn:   b&(1<<2) != 0,
		CoreStillNeeded: b&(1<<3) != 0,
		CoreWasReset:    b&(1<<4) != 0,
		DebugWasReset:   b&(1<<6) != 0,
	}
}

// encode packs the sticky bits this value asserts, for use as a
// clear-mask write to PWRSTAT.
func (p PowerStatus) encode() byte {
	var b byte
	if p.CoreWasReset {
		b |= 1 << 4
	}
	if p.DebugWasReset {
		b |= 1 << 6
	}
	return b
}

// DebugStatus is the Debug Status Register (DSR), address narDSR.
// Every field annotated "sticky" below is cleared by writing 1 to it
// and left alone by writing 0.
type DebugStatus struct {
	ExecDone      bool // sticky
	ExecException bool // sticky
	ExecBusy      bool
	ExecOverrun   bool // sticky
	Stopped       bool

	CoreWroteDDR bool // sticky
	CoreReadDDR  bool // sticky
	HostWroteDDR bool // sticky
	HostReadDDR  bool // sticky

	DebugPendBreak bool // sticky
	DebugPendHost  bool // sticky
	DebugPendTrax  bool // sticky

	DebugIntBreak bool // sticky
	DebugIntHost  bool // sticky
	DebugIntTrax  bool // sticky

	RunStallToggle bool // sticky
	RunStallSample bool

	BreakOutAckIto bool
	BreakInIti     bool

	DbgModPowerOn bool
}

func decodeDebugStatus(bits uint32) DebugStatus {
	has := func(n uint) bool { return bits&(1<<n) != 0 }
	return DebugStatus{
		ExecDone:      has(0),
		ExecException: has(1),
		ExecBusy:      has(2),
		ExecOverrun:   has(3),
		Stopped:       has(4),

		CoreWroteDDR: has(10),
		CoreReadDDR:  has(11),
		HostWroteDDR: has(14),
		HostReadDDR:  has(15),

		DebugPendBreak: has(16),
		DebugPendHost:  has(17),
		DebugPendTrax:  has(18),

		DebugIntBreak: has(20),
		DebugIntHost:  has(21),
		DebugIntTrax:  has(22),

		RunStallToggle: has(23),
		RunStallSample: has(24),

		BreakOutAckIto: has(25),
		BreakInIti:     has(26),

		DbgModPowerOn: has(31),
	}
}

func (d DebugStatus) bits() uint32 {
	var v uint32
	set := func(n uint, on bool) {
		if on {
			v |= 1 << n
		}
	}
	set(0, d.ExecDone)
	set(1, d.ExecException)
	set(2, d.ExecBusy)
	set(3, d.ExecOverrun)
	set(4, d.Stopped)
	set(10, d.CoreWroteDDR)
	set(11, d.CoreReadDDR)
	set(14, d.HostWroteDDR)
	set(15, d.HostReadDDR)
	set(16, d.DebugPendBreak)
	set(17, d.DebugPendHost)
	set(18, d.DebugPendTrax)
	set(20, d.DebugIntBreak)
	set(21, d.DebugIntHost)
	set(22, d.DebugIntTrax)
	set(23, d.RunStallToggle)
	set(24, d.RunStallSample)
	set(25, d.BreakOutAckIto)
	set(26, d.BreakInIti)
	set(31, d.DbgModPowerOn)
	return v
}

// DebugControlBits is the logical Debug Control Register. It has no
// single address of its own: a write is expressed as a DCRSET (bits to
// assert) paired with a DCRCLR (bits to deassert) at narDCRSET /
// narDCRCLR, never as a direct read-modify-write.
type DebugControlBits struct {
	EnableOCD         bool
	DebugInterrupt    bool
	InterruptAllConds bool
	BreakInEn         bool
	BreakOutEn        bool
	DebugSwActive     bool
	RunStallInEn      bool
	DebugModeOutEn    bool
	BreakOutIto       bool
	BreakInAckIto     bool
}

func (d DebugControlBits) bits() uint32 {
	var v uint32
	set := func(n uint, on bool) {
		if on {
			v |= 1 << n
		}
	}
	set(0, d.EnableOCD)
	set(1, d.DebugInterrupt)
	set(2, d.InterruptAllConds)
	set(16, d.BreakInEn)
	set(17, d.BreakOutEn)
	set(20, d.DebugSwActive)
	set(21, d.RunStallInEn)
	set(22, d.DebugModeOutEn)
	set(24, d.BreakOutIto)
	set(25, d.BreakInAckIto)
	return v
}

// managedClearBits covers the fixed set of Debug Control bits that
// DebugControl's implicit DCRCLR manages. Anything not asserted among
// these is cleared so that a logical write to Debug Control is
// idempotent for this bit set regardless of prior state (§8.5).
func managedClearBits(bits DebugControlBits) DebugControlBits {
	return DebugControlBits{
		BreakInEn:      !bits.BreakInEn,
		BreakOutEn:     !bits.BreakOutEn,
		DebugSwActive:  !bits.DebugSwActive,
		RunStallInEn:   !bits.RunStallInEn,
		DebugModeOutEn: !bits.DebugModeOutEn,
	}
}
