package ble

import "tinygo.org/x/bluetooth"

// CompanyID is the manufacturer-specific data company identifier advertised by the motor firmware
const CompanyID uint16 = 0x706D

// DeviceIDSize is the length of the hardware id carried in the manufacturer data
const DeviceIDSize = 6

// StatusSuccess is the GATT success status; anything else is a transport error
const StatusSuccess = 0

// Motor control GATT layout
var (
	ServiceMotor   = mustParseUUID("c52081ba-e90f-40e4-a99f-ccaa4fd11c15")
	CharCommand    = mustParseUUID("d10b46cd-412a-4d15-a7bb-092a329eed46")
	CharTelemetry  = mustParseUUID("17da15e5-05b1-42df-8d9d-d7645d6d9293")
	CharHeartbeat  = mustParseUUID("2215d558-c569-4bd1-8947-b4fd5f9432a0")
	DescriptorCCCD = bluetooth.New16BitUUID(0x2902)
)

func mustParseUUID(s string) bluetooth.UUID {
	uuid, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return uuid
}
