package evt

func (e CommandComplete) CommandOpcode() uint16 {
	v, _ := e.CommandOpcodeWErr()
	return v
}

// Status is 0xff when the event is too short to carry one.
func (e CommandComplete) Status() uint8 {
	v, _ := e.StatusWErr()
	return v
}

func (e CommandStatus) Status() uint8 {
	v, _ := e.StatusWErr()
	return v
}

func (e CommandStatus) CommandOpcode() uint16 {
	v, _ := e.CommandOpcodeWErr()
	return v
}

// Opcode returns the opcode echoed by either a Command Complete or a Command Status event.
func Opcode(b []byte) uint16 {
	if len(b) > 0 && b[0] == 0x0F {
		return CommandStatus(b).CommandOpcode()
	}
	return CommandComplete(b).CommandOpcode()
}
