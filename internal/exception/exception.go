// Package exception describes the vector table of the target core: a
// Cortex-M3 with the interrupt lines of an STM32F103 XL-density device.
package exception

import (
	"fmt"
	"strconv"
	"strings"
)

// Number is a position in the hardware vector table.
type Number int32

// Core exceptions.
const (
	NMI          Number = 2
	HardFault    Number = 3
	MemManage    Number = 4
	BusFault     Number = 5
	UsageFault   Number = 6
	SVCall       Number = 11
	DebugMonitor Number = 12
	PendSV       Number = 14
	SysTick      Number = 15
)

// Peripheral interrupt lines.
const (
	WWDG Number = iota + FirstIRQ
	PVD
	Tamper
	RTC
	Flash
	RCC
	EXTI0
	EXTI1
	EXTI2
	EXTI3
	EXTI4
	DMA1Channel1
	DMA1Channel2
	DMA1Channel3
	DMA1Channel4
	DMA1Channel5
	DMA1Channel6
	DMA1Channel7
	ADC1_2
	USBHPCAN1TX
	USBLPCAN1RX0
	CAN1RX1
	CAN1SCE
	EXTI9_5
	TIM1BRK
	TIM1UP
	TIM1TRGCOM
	TIM1CC
	TIM2
	TIM3
	TIM4
	I2C1EV
	I2C1ER
	I2C2EV
	I2C2ER
	SPI1
	SPI2
	USART1
	USART2
	USART3
	EXTI15_10
	RTCAlarm
	USBWakeup
	TIM8BRK
	TIM8UP
	TIM8TRGCOM
	TIM8CC
	ADC3
	FSMC
	SDIO
	TIM5
	SPI3
	UART4
	UART5
	TIM6
	TIM7
	DMA2Channel1
	DMA2Channel2
	DMA2Channel3
	DMA2Channel4_5

	// Last is one past the highest valid exception number. Handler tables
	// are sized Last+1 so that index Last can serve as a sentinel.
	Last
)

// FirstIRQ is the first exception number routed through the NVIC banks.
const FirstIRQ Number = 16

// LastIRQ is the highest peripheral interrupt line of the device.
const LastIRQ = Last - 1

var names = [Last]string{
	NMI:          "NMI",
	HardFault:    "HardFault",
	MemManage:    "MemManage",
	BusFault:     "BusFault",
	UsageFault:   "UsageFault",
	SVCall:       "SVCall",
	DebugMonitor: "DebugMonitor",
	PendSV:       "PendSV",
	SysTick:      "SysTick",

	WWDG:           "WWDG",
	PVD:            "PVD",
	Tamper:         "TAMPER",
	RTC:            "RTC",
	Flash:          "FLASH",
	RCC:            "RCC",
	EXTI0:          "EXTI0",
	EXTI1:          "EXTI1",
	EXTI2:          "EXTI2",
	EXTI3:          "EXTI3",
	EXTI4:          "EXTI4",
	DMA1Channel1:   "DMA1_Channel1",
	DMA1Channel2:   "DMA1_Channel2",
	DMA1Channel3:   "DMA1_Channel3",
	DMA1Channel4:   "DMA1_Channel4",
	DMA1Channel5:   "DMA1_Channel5",
	DMA1Channel6:   "DMA1_Channel6",
	DMA1Channel7:   "DMA1_Channel7",
	ADC1_2:         "ADC1_2",
	USBHPCAN1TX:    "USB_HP_CAN1_TX",
	USBLPCAN1RX0:   "USB_LP_CAN1_RX0",
	CAN1RX1:        "CAN1_RX1",
	CAN1SCE:        "CAN1_SCE",
	EXTI9_5:        "EXTI9_5",
	TIM1BRK:        "TIM1_BRK",
	TIM1UP:         "TIM1_UP",
	TIM1TRGCOM:     "TIM1_TRG_COM",
	TIM1CC:         "TIM1_CC",
	TIM2:           "TIM2",
	TIM3:           "TIM3",
	TIM4:           "TIM4",
	I2C1EV:         "I2C1_EV",
	I2C1ER:         "I2C1_ER",
	I2C2EV:         "I2C2_EV",
	I2C2ER:         "I2C2_ER",
	SPI1:           "SPI1",
	SPI2:           "SPI2",
	USART1:         "USART1",
	USART2:         "USART2",
	USART3:         "USART3",
	EXTI15_10:      "EXTI15_10",
	RTCAlarm:       "RTCAlarm",
	USBWakeup:      "USBWakeUp",
	TIM8BRK:        "TIM8_BRK",
	TIM8UP:         "TIM8_UP",
	TIM8TRGCOM:     "TIM8_TRG_COM",
	TIM8CC:         "TIM8_CC",
	ADC3:           "ADC3",
	FSMC:           "FSMC",
	SDIO:           "SDIO",
	TIM5:           "TIM5",
	SPI3:           "SPI3",
	UART4:          "UART4",
	UART5:          "UART5",
	TIM6:           "TIM6",
	TIM7:           "TIM7",
	DMA2Channel1:   "DMA2_Channel1",
	DMA2Channel2:   "DMA2_Channel2",
	DMA2Channel3:   "DMA2_Channel3",
	DMA2Channel4_5: "DMA2_Channel4_5",
}

// Valid reports whether n names an exception the core can bind a handler to.
// The vector table has three populated blocks: NMI..UsageFault,
// SVCall..DebugMonitor and PendSV..LastIRQ.
func Valid(n Number) bool {
	switch {
	// UsageFault is vector 6 on every Cortex-M3 and is bindable.
	case NMI <= n && n <= UsageFault:
		return true
	case SVCall <= n && n <= DebugMonitor:
		return true
	case PendSV <= n && n <= LastIRQ:
		return true
	}
	return false
}

// IsIRQ reports whether n is a peripheral line gated by the NVIC.
func IsIRQ(n Number) bool {
	return FirstIRQ <= n && n < Last
}

// IRQ returns the NVIC line index of n. Only meaningful when IsIRQ(n).
func (n Number) IRQ() int {
	return int(n - FirstIRQ)
}

// Word returns the index of the 32-bit NVIC bank word holding n.
func (n Number) Word() int {
	return n.IRQ() / 32
}

// Bit returns the bit offset of n inside its NVIC bank word.
func (n Number) Bit() uint {
	return uint(n.IRQ() % 32)
}

// Mask returns the single-bit mask for n inside its NVIC bank word.
func (n Number) Mask() uint32 {
	return 1 << n.Bit()
}

func (n Number) String() string {
	if n >= 0 && n < Last && names[n] != "" {
		return names[n]
	}
	return fmt.Sprintf("exception(%d)", int32(n))
}

// Parse resolves a vector name (case-insensitive) or a decimal/hex number.
// Numbers are returned as-is even when they are not Valid, so callers can
// exercise rejection paths.
func Parse(s string) (Number, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("exception: empty name")
	}
	if v, err := strconv.ParseInt(s, 0, 32); err == nil {
		return Number(v), nil
	}
	for i, name := range names {
		if name != "" && strings.EqualFold(name, s) {
			return Number(i), nil
		}
	}
	return 0, fmt.Errorf("exception: unknown vector %q", s)
}

// All returns every valid exception number in ascending order.
func All() []Number {
	out := make([]Number, 0, Last)
	for n := Number(0); n < Last; n++ {
		if Valid(n) {
			out = append(out, n)
		}
	}
	return out
}
