// Package logx is a thin structured-logging front over zerolog.
//
// Components hold a Logger value; the Service owns the sinks and can
// re-apply configuration at runtime without invalidating held loggers.
package logx
