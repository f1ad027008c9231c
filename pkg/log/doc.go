/*
Package log configures zerolog for the whole process.

Init sets the global level and output once at startup; everything else
creates child loggers. WithComponent tags a logger with the subsystem name
so every line can be filtered by origin:

	logger := log.WithComponent("transport")
	logger.Info().Str("serial", serial).Msg("device connected")

Output is console-formatted on a TTY and JSON otherwise. An optional
secondary JSON file output captures debug logs for protocol archaeology
against real firmware.
*/
package log
