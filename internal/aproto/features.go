package aproto

// Feature banner strings a daemon may advertise in its CNXN payload's
// "features=" field. Only the subset this client actually branches on is
// kept; the rest of the real device's feature list (track_app, abb,
// libusb, ...) has no caller anywhere in this tree.
//
// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/transport.cpp;l=81-105;drc=2d3e62c2af54a3e8f8803ea10492e63b8dfe709f
const (
	FeatureShellV2         = "shell_v2"
	FeatureCmd             = "cmd"
	FeatureSendRecv2       = "sendrecv_v2"
	FeatureSendRecv2Brotli = "sendrecv_v2_brotli"
	FeatureSendRecv2LZ4    = "sendrecv_v2_lz4"
	FeatureSendRecv2Zstd   = "sendrecv_v2_zstd"
)
