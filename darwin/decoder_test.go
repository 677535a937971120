package darwin

import (
	"bytes"
	"compress/gzip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullCancellation = `<?xml version="1.0" encoding="UTF-8"?>
<Pport xmlns="http://www.thalesgroup.com/rtti/PushPort/v16" ts="2026-03-02T10:00:00Z" version="16.0">
  <uR updateOrigin="Darwin">
    <schedule rid="202603029876C12345" uid="C12345" trainId="1A23" ssd="2026-03-02" toc="GW" cancelReason="100">
      <OR tpl="PADTON" wtd="10:00" ptd="10:00" plat="1"/>
      <DT tpl="BRSTLTM" wta="11:30" pta="11:30"/>
    </schedule>
  </uR>
</Pport>`

const partialCancellation = `<Pport>
  <uR>
    <schedule rid="202603021111A00001" uid="A00001" ssd="2026-03-02">
      <OR tpl="KNGX" wtd="09:00"/>
      <IP tpl="PBRO" wta="09:45" wtd="09:46" isCancelled="true"/>
      <DT tpl="YORK" wta="11:00"/>
    </schedule>
  </uR>
</Pport>`

const mixedPayload = `<Pport>
  <uR>
    <TS rid="202603020000Z99999"/>
    <schedule rid="202603022222B00002" uid="B00002" ssd="2026-03-02">
      <OR tpl="EUSTON" wtd="08:00"/>
      <DT tpl="MNCRPIC" wta="10:10"/>
    </schedule>
    <schedule rid="202603023333C00003" uid="C00003" ssd="2026-03-02">
      <cancelReason>510</cancelReason>
      <OR tpl="WATRLMN" wtd="12:00"/>
      <DT tpl="PORTSHB" wta="13:40"/>
    </schedule>
    <deactivated rid="202603024444D00004"/>
    <association tiploc="CREWE"/>
  </uR>
</Pport>`

func TestDecodeFullCancellation(t *testing.T) {
	now := time.Now()

	events, dropped, err := Decode([]byte(fullCancellation), now)
	require.NoError(t, err)
	assert.Equal(t, 0, dropped)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, "202603029876C12345", ev.RID)
	assert.Equal(t, "1A23", ev.TrainServiceCode)
	assert.Equal(t, "100", ev.ReasonCode)
	assert.Equal(t, "Full cancellation - reason code 100", ev.ReasonText)
	assert.True(t, ev.ReceivedAt.Equal(now))
}

func TestDecodeGzipBody(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(fullCancellation))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	events, _, err := Decode(buf.Bytes(), time.Now())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "202603029876C12345", events[0].RID)
}

func TestDecodePartialCancellation(t *testing.T) {
	events, dropped, err := Decode([]byte(partialCancellation), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, dropped)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, "202603021111A00001", ev.RID)
	// No trainId attribute, so the uid stands in.
	assert.Equal(t, "A00001", ev.TrainServiceCode)
	assert.Empty(t, ev.ReasonCode)
	assert.Equal(t, "Partial cancellation detected", ev.ReasonText)
}

func TestDecodeMixedPayload(t *testing.T) {
	events, dropped, err := Decode([]byte(mixedPayload), time.Now())
	require.NoError(t, err)

	// The TS element, the association and the schedule with neither a
	// cancel reason nor cancelled locations are all dropped.
	assert.Equal(t, 3, dropped)
	require.Len(t, events, 2)

	assert.Equal(t, "202603023333C00003", events[0].RID)
	assert.Equal(t, "510", events[0].ReasonCode)
	assert.Equal(t, "Full cancellation - reason code 510", events[0].ReasonText)

	assert.Equal(t, "202603024444D00004", events[1].RID)
	assert.Empty(t, events[1].ReasonCode)
	assert.Equal(t, "Schedule deactivated", events[1].ReasonText)
}

func TestDecodeCancelReasonElement(t *testing.T) {
	body := `<Pport><uR>
	  <schedule rid="202603025555E00005" uid="E00005"><cancelReason>911</cancelReason></schedule>
	</uR></Pport>`

	events, _, err := Decode([]byte(body), time.Now())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "911", events[0].ReasonCode)
}

func TestDecodeEmptyUpdateResponse(t *testing.T) {
	events, dropped, err := Decode([]byte(`<Pport><uR/></Pport>`), time.Now())
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, 0, dropped)
}

func TestDecodeMalformed(t *testing.T) {
	_, _, err := Decode([]byte(`<Pport><uR>`), time.Now())
	assert.Error(t, err)

	_, _, err = Decode([]byte{0x1f, 0x8b, 0x00}, time.Now())
	assert.Error(t, err)
}
