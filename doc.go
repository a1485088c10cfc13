// Package qnor drives a quad-SPI serial NOR flash and exposes it to a flash
// translation layer as a word-addressed block device.
//
// The driver sequences write-enable, program, erase and status polling over a
// [Transport], splits programs on page boundaries and verifies erased blocks.
// [SPIBus] implements the transport on top of a periph.io SPI connection.
//
// # References:
//
// SPI Flash
//   - [N25Q128A]: Micron N25Q128A 3V 128Mb Serial NOR Flash datasheet (n25q_128mb_3v_65nm.pdf)
//   - [N25Q32]: N25Q032A Micron Serial NOR Flash Memory datasheet (could not find the official public URL)
//   - [W25Q128]: W25Q128JV-DTR Winbond Serial Flash Memory (https://www.winbond.com/resource-files/W25Q128JV_DTR%20RevD%2012232024%20Plus.pdf)
//
// Quad-SPI controller
//   - [RM0402]: STM32F412 reference manual, 12 Quad-SPI interface (QUADSPI)
//
// FTDI (https://ftdichip.com/document/application-notes/)
//   - [FTDI-AN_108]: Command Processor for MPSSE and MCU Host Bus Emulation Modes (https://ftdichip.com/wp-content/uploads/2020/08/AN_108_Command_Processor_for_MPSSE_and_MCU_Host_Bus_Emulation_Modes.pdf)
//   - [FTDI-AN_114]: Interfacing FT2232H Hi-Speed Devices To SPI Bus (https://ftdichip.com/wp-content/uploads/2020/08/AN_114_FTDI_Hi_Speed_USB_To_SPI_Example.pdf)
//   - [FTDI-AN_135]: FTDI MPSSE Basics (https://ftdichip.com/wp-content/uploads/2020/08/AN_135_MPSSE_Basics.pdf)
package qnor
