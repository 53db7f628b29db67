// Package asterisk implements the Asterisk PBX bridge for Gray Logic.
//
// This package connects to an Asterisk manager interface (AMI) and
// translates between the PBX's event stream and Gray Logic's MQTT
// contract, so telephony endpoints participate in automation like any
// other device.
//
// # Architecture
//
// The bridge operates as a translator between two buses:
//
//	┌─────────────────┐          ┌─────────────────┐
//	│   Gray Logic    │   MQTT   │ Asterisk Bridge │    AMI
//	│      Core       │◄────────►│   (this pkg)    │◄────────► Asterisk PBX
//	└─────────────────┘          └─────────────────┘
//
// # Key Responsibilities
//
//   - Maintain the manager session via the ami package's supervisor
//   - Discover SIP and PJSIP endpoints on every connect
//   - Translate manager events to retained MQTT state messages
//   - Translate MQTT commands (hangup, originate) to manager actions
//   - Publish health status and metrics
//
// # State Pipeline
//
// Manager events arrive on the session's read goroutine. The Dispatcher
// classifies each one into an Update and hands it to the Publisher, an
// unbounded ordered queue drained by a single apply goroutine. That
// goroutine owns every registry mutation, and registry subscribers (the
// MQTT state fan-out) run on it synchronously, so state messages for one
// endpoint are always published in event order.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
//
// # References
//
//   - AMI actions and events: https://docs.asterisk.org/Asterisk_22_Documentation/API_Documentation/AMI_Actions/
//   - Gray Logic MQTT contract: docs/protocols/mqtt.md
package asterisk
