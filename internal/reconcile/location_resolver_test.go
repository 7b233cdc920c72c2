package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wisefido-canister/internal/models"
)

func TestCSRLabel(t *testing.T) {
	r := NewLocationResolver(newFakeCatalog(), 10)
	assert.Equal(t, "A-3", r.CSRLabel("A", 3, true))
	assert.Equal(t, "A-13", r.CSRLabel("A", 3, false))
}

func TestResolveReads_CSR(t *testing.T) {
	f := newFakeCatalog()
	csr := &models.Device{DeviceID: 40, Type: models.DeviceTypeCSR}
	f.addDevice(csr)
	f.addLocation(&models.Location{LocationID: 401, DeviceID: 40, DisplayLocation: "B-2", LocationNumber: 22})
	f.addLocation(&models.Location{LocationID: 402, DeviceID: 40, DisplayLocation: "B-12", LocationNumber: 32})
	r := NewLocationResolver(f, 10)

	reads, err := r.ResolveReads(context.Background(), csr, "B", true, map[int]string{2: "RFID-1"})
	require.NoError(t, err)
	assert.Equal(t, map[int]string{22: "RFID-1"}, reads)

	reads, err = r.ResolveReads(context.Background(), csr, "B", false, map[int]string{2: "0"})
	require.NoError(t, err)
	assert.Equal(t, map[int]string{32: "0"}, reads)

	_, err = r.ResolveReads(context.Background(), csr, "B", true, map[int]string{7: "0"})
	assert.ErrorIs(t, err, ErrUnknownSlot)
}

func TestResolveReads_SlotOffset(t *testing.T) {
	r := NewLocationResolver(newFakeCatalog(), 10)
	mfs := &models.Device{DeviceID: 3, Type: models.DeviceTypeMFS}

	reads, err := r.ResolveReads(context.Background(), mfs, "", false, map[int]string{1: "X", 4: ""})
	require.NoError(t, err)
	assert.Equal(t, map[int]string{11: "X", 14: ""}, reads)
}

func TestBySlotNumber_Unknown(t *testing.T) {
	r := NewLocationResolver(newFakeCatalog(), 10)
	_, err := r.BySlotNumber(context.Background(), 3, 1)
	assert.ErrorIs(t, err, ErrUnknownSlot)
}
