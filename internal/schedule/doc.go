// Package schedule resolves declarative schedule configuration into concrete
// fire instants.
//
// All arithmetic happens in the schedule's own local calendar and is only
// then converted to an absolute instant, so a 09:00 local fire time stays
// 09:00 local across daylight-saving transitions.
package schedule
