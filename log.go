package glue

// Logging convention in the `glue` package:
// glog.Infof:
//     essential events for abnormal behavior. This level should be silent on
//     normal operation, with the exception of one time (infrequent)
//     initialization data that is useful for monitoring
//     this includes:
//     - gateway connect/auth failures and reconnect attempts
//     - subscription replay failures after a reconnect
//     - abnormal exits
// glog.V(1):
//     lifecycle events with ids that can be used to filter
//     - channel join/leave, private channel create/disconnect
// glog.V(2):
//     frequent events - e.g. context update delivery, publish, system method
//     dispatch - tagged per subsystem so a trace can be filtered
//
// tags:
//     [g]  gateway transport
//     [c]  context coordinator
//     [ch] channel controller
//     [pc] private channels
//     [sm] system methods
