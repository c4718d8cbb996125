package main

import "log"

// ServiceLogger implements navigator_pkg.Logger for the service process.
type ServiceLogger struct{}

func (sl *ServiceLogger) Printf(format string, v ...interface{}) {
	log.Printf("[INFO] "+format, v...)
}

func (sl *ServiceLogger) Errorf(format string, v ...interface{}) {
	log.Printf("[ERROR] "+format, v...)
}
