// Command bibrunner discovers FTDI-based test benches (BIBs), binds each to
// its declarative XML configuration, and drives every configured UUT
// through a Start -> Test -> Stop workflow against real or simulated
// hardware triggers. See cmd/bibrunner for the entrypoint and the internal
// packages for port discovery, EEPROM identity resolution, configuration
// loading and hot-reload, port reservation, GPIO triggers, the RS-232
// protocol handler, response validation, workflow orchestration, and
// per-BIB/UUT logging.
package bibrunner
