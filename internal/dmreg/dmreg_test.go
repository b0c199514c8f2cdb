package dmreg

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDMControlRoundtrip(t *testing.T) {
	c := DMControl{
		HaltReq:   true,
		ResumeReq: false,
		HartReset: true,
		DMActive:  true,
		HartSelLo: 0x3FF,
	}
	got := UnpackDMControl(c.Pack())
	require.True(t, got.HaltReq)
	require.False(t, got.ResumeReq)
	require.True(t, got.HartReset)
	require.True(t, got.DMActive)
	require.Equal(t, uint16(0x3FF), got.HartSelLo)
}

func TestDMStatusUnpack(t *testing.T) {
	// allhalted + anyhalted + version 2
	v := uint32(1<<9 | 1<<8 | 2)
	s := UnpackDMStatus(v)
	require.True(t, s.AllHalted)
	require.True(t, s.AnyHalted)
	require.False(t, s.AllRunning)
	require.EqualValues(t, 2, s.Version)
}

func TestAbstractCSUnpackAndClear(t *testing.T) {
	v := uint32(4)<<24 | 1<<12 | uint32(CmdErrException)<<8 | 7
	a := UnpackAbstractCS(v)
	require.EqualValues(t, 4, a.ProgBufSize)
	require.True(t, a.Busy)
	require.Equal(t, CmdErrException, a.CmdErr)
	require.EqualValues(t, 7, a.DataCount)

	clear := AbstractCSClearCmdErr()
	require.Equal(t, uint32(0b111)<<8, clear)
}

func TestCommandPack(t *testing.T) {
	c := Command{
		CmdType:  CmdTypeAccessReg,
		Size:     AccessSize64,
		Transfer: true,
		Write:    true,
		RegNo:    GPRRegNo(10),
	}
	v := c.Pack()
	require.Equal(t, uint32(0), v>>24&0xFF) // cmdtype 0
	require.Equal(t, uint32(AccessSize64), (v>>20)&0x7)
	require.True(t, bitSet(v, 17))
	require.True(t, bitSet(v, 16))
	require.Equal(t, uint32(0x100A), v&0xFFFF)
}

func TestSBCSRoundtrip(t *testing.T) {
	s := SBCS{
		SBReadOnAddr:    true,
		SBAutoIncrement: true,
		SBReadOnData:    true,
		SBAccess:        SBAccess32,
	}
	got := UnpackSBCS(s.Pack())
	require.True(t, got.SBReadOnAddr)
	require.True(t, got.SBAutoIncrement)
	require.True(t, got.SBReadOnData)
	require.Equal(t, SBAccess32, got.SBAccess)

	clear := SBCSClearError()
	require.NotZero(t, clear&(1<<22))
	require.Equal(t, uint32(0b111)<<12, clear&(0b111<<12))
}

func TestDCSRRoundtrip(t *testing.T) {
	d := DCSR{
		Cause: DCSRCauseHaltReq,
		Step:  true,
		Prv:   3,
	}
	got := UnpackDCSR(d.Pack())
	require.Equal(t, DCSRCauseHaltReq, got.Cause)
	require.True(t, got.Step)
	require.EqualValues(t, 3, got.Prv)
}

func TestRegNoRanges(t *testing.T) {
	require.Equal(t, uint16(0x1000), GPRRegNo(0))
	require.Equal(t, uint16(0x101F), GPRRegNo(31))
	require.Equal(t, uint16(0x1020), FPRRegNo(0))
	require.Equal(t, uint16(0x103F), FPRRegNo(31))
}
