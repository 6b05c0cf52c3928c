package xdm_test

import (
	"fmt"
	"sync"

	"github.com/openchip/xtensa-xdm/xdm"
)

// Wire-level NAR addresses, reproduced from spec.md §6 "Bit-exact wire
// details" for use scripting the fake transport. The xdm package keeps
// these unexported; a hardware-compatibility test fixture has to know
// them independently of the implementation under test.
const (
	narOCDID    byte = 0x40
	narDCRCLR   byte = 0x42
	narDCRSET   byte = 0x43
	narDSR      byte = 0x44
	narDDR      byte = 0x45
	narDDREXEC  byte = 0x46
	narDIR0EXEC byte = 0x47
	narDIR0     byte = 0x48

	irNarNdr       = 0x1C
	irPowerControl = 0x08
	irPowerStatus  = 0x09
	irIdcode       = 0x1E
)

func le32bytes(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func loadLE32(b []byte) uint32 {
	var v uint32
	for i := 0; i < 4 && i < len(b); i++ {
		v |= uint32(b[i]) << (8 * uint(i))
	}
	return v
}

// writeCall records one synchronous WriteRegister invocation.
type writeCall struct {
	IR   uint32
	Data []byte
	Bits uint32
}

// regModel is a tiny behavioral model of the Nexus register file and
// the PowerControl/PowerStatus TAP registers, driving the fake
// transport's default response generation. Tests configure it directly
// (dsrQueue, narBusyRemaining, ...) instead of hand-scripting every
// captured byte.
type regModel struct {
	regs map[byte]uint32
	dcr  uint32 // composite Debug Control Register, synthesized from DCRSET/DCRCLR writes

	dsrQueue []uint32 // successive DSR *read* values; last one sticks once exhausted

	narBusyRemaining map[byte]int
	narErrorAddr     map[byte]bool
}

// DCR reports the composite Debug Control Register value synthesized
// from every DCRSET/DCRCLR write observed so far.
func (m *regModel) DCR() uint32 { return m.dcr }

func newRegModel() *regModel {
	return &regModel{
		regs:             make(map[byte]uint32),
		narBusyRemaining: make(map[byte]int),
		narErrorAddr:     make(map[byte]bool),
	}
}

func (m *regModel) narStatus(addr byte) byte {
	if m.narErrorAddr[addr] {
		return 1
	}
	if m.narBusyRemaining[addr] > 0 {
		m.narBusyRemaining[addr]--
		return 2
	}
	return 0
}

func (m *regModel) readValue(addr byte) uint32 {
	if addr == narDSR {
		if len(m.dsrQueue) > 0 {
			v := m.dsrQueue[0]
			if len(m.dsrQueue) > 1 {
				m.dsrQueue = m.dsrQueue[1:]
			}
			m.regs[narDSR] = v
			return v
		}
	}
	return m.regs[addr]
}

func (m *regModel) applyWrite(addr byte, value uint32) {
	switch addr {
	case narDSR:
		// Writing 1 clears a sticky bit; writing 0 leaves it untouched.
		m.regs[narDSR] &^= value
	case narDCRSET:
		m.dcr |= value
		m.regs[addr] = value
	case narDCRCLR:
		m.dcr &^= value
		m.regs[addr] = value
	default:
		m.regs[addr] = value
	}
}

// fakeTransport implements xdm.Transport. Its default batch behavior
// runs every scheduled NAR/NDR pair through regModel; BatchScript, when
// set, overrides that behavior entirely for a given flush attempt,
// letting a test script exact multi-attempt retry scenarios.
type fakeTransport struct {
	mu sync.Mutex

	Model *regModel

	TapResetCalls int
	TapResetErr   error

	WriteCalls     []writeCall
	WriteResponses [][]byte // consumed FIFO; repeats the last entry once exhausted
	WriteErr       error

	BatchCalls  [][]xdm.Command
	BatchScript func(call int, cmds []xdm.Command, model *regModel) (xdm.BatchResult, error)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{Model: newRegModel()}
}

func (f *fakeTransport) TapReset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TapResetCalls++
	return f.TapResetErr
}

func (f *fakeTransport) WriteRegister(ir uint32, data []byte, bits uint32) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cp := append([]byte(nil), data...)
	f.WriteCalls = append(f.WriteCalls, writeCall{IR: ir, Data: cp, Bits: bits})
	if f.WriteErr != nil {
		return nil, f.WriteErr
	}
	if len(f.WriteResponses) > 0 {
		r := f.WriteResponses[0]
		if len(f.WriteResponses) > 1 {
			f.WriteResponses = f.WriteResponses[1:]
		}
		return r, nil
	}
	return make([]byte, len(data)), nil
}

func (f *fakeTransport) WriteRegisterBatch(cmds []xdm.Command) (xdm.BatchResult, error) {
	f.mu.Lock()
	call := len(f.BatchCalls)
	cp := append([]xdm.Command(nil), cmds...)
	f.BatchCalls = append(f.BatchCalls, cp)
	script := f.BatchScript
	model := f.Model
	f.mu.Unlock()

	if script != nil {
		return script(call, cmds, model)
	}
	return defaultBatch(cmds, model)
}

// defaultBatch walks cmds two at a time (every scheduled access is a
// NAR shift immediately followed by an NDR shift, per §8 invariant 1)
// and drives each pair through model, stopping at the first command
// whose Transform fails.
func defaultBatch(cmds []xdm.Command, model *regModel) (xdm.BatchResult, error) {
	var results []xdm.Result
	for i := 0; i < len(cmds); i += 2 {
		if i+1 >= len(cmds) {
			return xdm.BatchResult{}, &xdm.BatchError{Results: results, Err: fmt.Errorf("fakeTransport: odd command count, NAR without NDR")}
		}
		nar, ndr := cmds[i], cmds[i+1]
		if len(nar.Data) == 0 {
			return xdm.BatchResult{}, &xdm.BatchError{Results: results, Err: fmt.Errorf("fakeTransport: empty NAR payload")}
		}
		addr := nar.Data[0] >> 1
		write := nar.Data[0]&1 == 1

		status := model.narStatus(addr)
		r, err := nar.Transform(nar, []byte{status})
		if err != nil {
			return xdm.BatchResult{}, &xdm.BatchError{Results: results, Err: err}
		}
		results = append(results, r)

		var captured []byte
		if write {
			model.applyWrite(addr, loadLE32(ndr.Data))
			captured = make([]byte, 4)
		} else {
			captured = le32bytes(model.readValue(addr))
		}
		r2, err := ndr.Transform(ndr, captured)
		if err != nil {
			return xdm.BatchResult{}, &xdm.BatchError{Results: results, Err: err}
		}
		results = append(results, r2)
	}
	return xdm.BatchResult{Results: results}, nil
}
