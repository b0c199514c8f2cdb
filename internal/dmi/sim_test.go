package dmi

import (
	"testing"

	"github.com/aykevl/riscv-gdbstub/internal/dmreg"
	"github.com/stretchr/testify/require"
)

func TestSimulatorGPRRoundtrip(t *testing.T) {
	s := NewSimulator()
	require.NoError(t, s.Write(dmreg.AddrData0, 0xdeadbeef))
	cmd := dmreg.Command{CmdType: dmreg.CmdTypeAccessReg, Size: dmreg.AccessSize32, Transfer: true, Write: true, RegNo: dmreg.GPRRegNo(5)}
	require.NoError(t, s.Write(dmreg.AddrCommand, cmd.Pack()))

	status, err := s.Read(dmreg.AddrAbstractCS)
	require.NoError(t, err)
	require.Zero(t, dmreg.UnpackAbstractCS(status).CmdErr)

	readCmd := dmreg.Command{CmdType: dmreg.CmdTypeAccessReg, Size: dmreg.AccessSize32, Transfer: true, RegNo: dmreg.GPRRegNo(5)}
	require.NoError(t, s.Write(dmreg.AddrCommand, readCmd.Pack()))
	v, err := s.Read(dmreg.AddrData0)
	require.NoError(t, err)
	require.Equal(t, uint32(0xdeadbeef), v)
}

func TestSimulatorRegisterAccessRequiresHalt(t *testing.T) {
	s := NewSimulator()
	s.halted = false
	cmd := dmreg.Command{CmdType: dmreg.CmdTypeAccessReg, Size: dmreg.AccessSize32, Transfer: true, RegNo: dmreg.GPRRegNo(1)}
	require.NoError(t, s.Write(dmreg.AddrCommand, cmd.Pack()))
	status, err := s.Read(dmreg.AddrAbstractCS)
	require.NoError(t, err)
	require.Equal(t, dmreg.CmdErrHaltResume, dmreg.UnpackAbstractCS(status).CmdErr)
}

func TestSimulatorMemoryStreaming(t *testing.T) {
	s := NewSimulator()
	s.LoadMemory(0x80000000, []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x02, 0x03, 0x04})

	sbcs := dmreg.SBCS{SBReadOnAddr: true, SBAutoIncrement: true, SBReadOnData: true, SBAccess: dmreg.SBAccess32}
	require.NoError(t, s.Write(dmreg.AddrSBCS, sbcs.Pack()))
	require.NoError(t, s.Write(dmreg.AddrSBAddress0, 0x80000000))

	v1, err := s.Read(dmreg.AddrSBData0)
	require.NoError(t, err)
	require.Equal(t, uint32(0xEFBEADDE), v1)

	v2, err := s.Read(dmreg.AddrSBData0)
	require.NoError(t, err)
	require.Equal(t, uint32(0x04030201), v2)
}

func TestSimulatorMemoryWrite(t *testing.T) {
	s := NewSimulator()
	sbcs := dmreg.SBCS{SBAutoIncrement: true, SBAccess: dmreg.SBAccess32}
	require.NoError(t, s.Write(dmreg.AddrSBCS, sbcs.Pack()))
	require.NoError(t, s.Write(dmreg.AddrSBAddress0, 0x80000000))
	require.NoError(t, s.Write(dmreg.AddrSBData0, 0xEFBEADDE))

	require.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, s.PeekMemory(0x80000000, 4))
}

func TestSimulatorContinueAndStop(t *testing.T) {
	s := NewSimulator()
	require.True(t, s.Halted())

	resume := dmreg.DMControl{ResumeReq: true, DMActive: true}
	require.NoError(t, s.Write(dmreg.AddrDMControl, resume.Pack()))
	require.False(t, s.Halted())

	halt := dmreg.DMControl{HaltReq: true, DMActive: true}
	require.NoError(t, s.Write(dmreg.AddrDMControl, halt.Pack()))
	require.True(t, s.Halted())
}
