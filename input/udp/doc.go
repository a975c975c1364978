// Configuration:
//
//	source:
//	  udp:
//	    address: "0.0.0.0:5140"
//	    event_type: syslog
//	    write_timeout: 1s
//
// The read loop uses a short read deadline so Stop returns promptly. A
// datagram the buffer does not accept within write_timeout is dropped and
// counted in eventpipe_udp_packets_dropped_total.
package udp
